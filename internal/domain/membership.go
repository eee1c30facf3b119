package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

// MembershipCoordinator records that a user joined a post's study group.
//
// Every Join issues exactly one write. The record id is derived from the
// (user, post) pair, so repeated or concurrent joins for the same pair land on
// the same document: the first write creates it and later ones are rejected
// by the backend with ErrAlreadyExists, which Join reports as success. At
// most one membership record exists per pair.
type MembershipCoordinator struct {
	writer     DocumentWriter
	principals PrincipalProvider
	collection string
	logger     *slog.Logger
}

// NewMembershipCoordinator creates a coordinator writing to collection.
func NewMembershipCoordinator(writer DocumentWriter, principals PrincipalProvider, collection string, logger *slog.Logger) *MembershipCoordinator {
	return &MembershipCoordinator{
		writer:     writer,
		principals: principals,
		collection: collection,
		logger:     logger,
	}
}

// MembershipID returns the document id of the membership record for a pair.
// The user id is length-prefixed so distinct pairs never share an id, even
// when either side contains the separator.
func MembershipID(userID, postID string) string {
	return strconv.Itoa(len(userID)) + "_" + userID + "_" + postID
}

// Join records userID as a member of postID's group. userID must be the
// signed-in principal; otherwise Join fails with FailureUnauthenticated and
// nothing is written. Failures are returned as *JoinError.
func (c *MembershipCoordinator) Join(ctx context.Context, userID, postID string) error {
	principal, ok := c.principals.CurrentPrincipal()
	if !ok || principal == "" {
		return &JoinError{Kind: FailureUnauthenticated, PostID: postID, Err: errors.New("no signed-in user")}
	}
	if userID != principal {
		return &JoinError{Kind: FailureUnauthenticated, PostID: postID, Err: fmt.Errorf("user %q is not signed in", userID)}
	}
	if postID == "" {
		return &JoinError{Kind: FailureUnknown, PostID: postID, Err: errors.New("post id is required")}
	}

	record := MembershipRecord{UserID: userID, PostID: postID}
	fields := map[string]any{
		FieldUserID: record.UserID,
		FieldPostID: record.PostID,
	}

	_, err := c.writer.Create(ctx, c.collection, MembershipID(userID, postID), fields)
	switch {
	case err == nil:
		c.logger.Info("joined group", "user_id", userID, "post_id", postID)
		return nil
	case errors.Is(err, ErrAlreadyExists):
		c.logger.Info("already a member", "user_id", userID, "post_id", postID)
		return nil
	default:
		c.logger.Error("failed to join group", "user_id", userID, "post_id", postID, "error", err)
		return &JoinError{Kind: FailureWriteFailed, PostID: postID, Err: err}
	}
}

// JoinAsync runs Join in the background. The channel receives exactly one
// value and is buffered, so a caller that stops listening does not leak the
// goroutine; the write still completes.
func (c *MembershipCoordinator) JoinAsync(ctx context.Context, userID, postID string) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Join(ctx, userID, postID)
	}()
	return result
}
