// Package profile validates profile input and publishes a user's profile.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/blackmichael/studymeets/internal/domain"
)

const (
	maxFieldLength = 64
	maxBioLength   = 280
	imagePrefix    = "profile-images/"
)

// ErrIncomplete is returned when a required profile field is missing.
var ErrIncomplete = errors.New("please fill in all fields")

// Input is the raw create-profile form.
type Input struct {
	Image      []byte
	ImageType  string
	University string
	Major      string
	Year       string
	Bio        string
	Interests  Interests
}

// Normalized stores validated profile field values.
type Normalized struct {
	University string
	Major      string
	Year       string // as typed, validated as a plausible year
	Bio        string
	Interests  []string
}

// Interests is an ordered set of trimmed, non-empty interest tags.
type Interests []string

// Add appends interest after trimming it. Blank and already present
// interests are ignored.
func (in Interests) Add(interest string) Interests {
	interest = strings.TrimSpace(interest)
	if interest == "" || slices.Contains(in, interest) {
		return in
	}
	return append(slices.Clip(in), interest)
}

// Remove drops the interest at index. Out of range indexes are ignored.
func (in Interests) Remove(index int) Interests {
	if index < 0 || index >= len(in) {
		return in
	}
	return slices.Delete(slices.Clone(in), index, index+1)
}

// Normalize validates and trims the form. Every field is required.
func Normalize(in Input) (Normalized, error) {
	if len(in.Image) == 0 {
		return Normalized{}, fmt.Errorf("%w: image is required", ErrIncomplete)
	}

	university := strings.TrimSpace(in.University)
	major := strings.TrimSpace(in.Major)
	year := strings.TrimSpace(in.Year)
	bio := strings.TrimSpace(in.Bio)
	if university == "" || major == "" || year == "" || bio == "" {
		return Normalized{}, ErrIncomplete
	}

	var interests Interests
	for _, i := range in.Interests {
		interests = interests.Add(i)
	}
	if len(interests) == 0 {
		return Normalized{}, fmt.Errorf("%w: at least one interest is required", ErrIncomplete)
	}

	if utf8.RuneCountInString(university) > maxFieldLength {
		return Normalized{}, fmt.Errorf("university must be at most %d characters", maxFieldLength)
	}
	if utf8.RuneCountInString(major) > maxFieldLength {
		return Normalized{}, fmt.Errorf("major must be at most %d characters", maxFieldLength)
	}
	if utf8.RuneCountInString(bio) > maxBioLength {
		return Normalized{}, fmt.Errorf("bio must be at most %d characters", maxBioLength)
	}
	if gradYear, err := strconv.Atoi(year); err != nil || gradYear < 1900 || gradYear > 2200 {
		return Normalized{}, fmt.Errorf("grad year %q is invalid", year)
	}

	return Normalized{
		University: university,
		Major:      major,
		Year:       year,
		Bio:        bio,
		Interests:  interests,
	}, nil
}

// BlobStore stores binary assets and returns a download URL.
type BlobStore interface {
	UploadBlob(ctx context.Context, path string, data []byte, mimeType string) (string, error)
}

// Service publishes profiles for the signed-in user.
type Service struct {
	blobs      BlobStore
	docs       domain.DocumentUpdater
	principals domain.PrincipalProvider
	logger     *slog.Logger
}

// NewService creates a profile Service.
func NewService(blobs BlobStore, docs domain.DocumentUpdater, principals domain.PrincipalProvider, logger *slog.Logger) *Service {
	return &Service{
		blobs:      blobs,
		docs:       docs,
		principals: principals,
		logger:     logger,
	}
}

// Create validates in, uploads the profile image and marks the user's
// document as having a profile. Nothing is uploaded if validation fails.
func (s *Service) Create(ctx context.Context, in Input) error {
	userID, ok := s.principals.CurrentPrincipal()
	if !ok {
		return domain.ErrUnauthenticated
	}

	norm, err := Normalize(in)
	if err != nil {
		return err
	}

	imageType := in.ImageType
	if imageType == "" {
		imageType = "application/octet-stream"
	}
	imageURL, err := s.blobs.UploadBlob(ctx, imagePrefix+userID, in.Image, imageType)
	if err != nil {
		return fmt.Errorf("upload profile image: %w", err)
	}

	fields := map[string]any{
		"createdProfile": true,
		"profileImage":   imageURL,
		"university":     norm.University,
		"major":          norm.Major,
		"year":           norm.Year,
		"bio":            norm.Bio,
		"interests":      norm.Interests,
	}
	if err := s.docs.Update(ctx, domain.UsersCollection, userID, fields); err != nil {
		return fmt.Errorf("update user %s: %w", userID, err)
	}

	s.logger.Info("profile created", "user_id", userID, "interests", len(norm.Interests))
	return nil
}
