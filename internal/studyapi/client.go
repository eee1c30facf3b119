package studyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/studymeets/internal/domain"
)

// Client is a minimal StudyMeets backend API client. It holds the session
// of at most one signed-in user and implements the domain's principal,
// document and blob ports on top of it.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	accessJwt string
	userID    string
	email     string
}

var (
	_ domain.DocumentWriter    = (*Client)(nil)
	_ domain.DocumentUpdater   = (*Client)(nil)
	_ domain.PrincipalProvider = (*Client)(nil)
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// Is maps HTTP statuses onto domain sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrAlreadyExists:
		return e.Status == http.StatusConflict
	case domain.ErrNotFound:
		return e.Status == http.StatusNotFound
	case domain.ErrUnauthenticated:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// NewClient creates a new API client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Register creates an account and returns its user id. It does not sign in.
func (c *Client) Register(ctx context.Context, email, password, username string) (string, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
		"username": username,
	}
	var resp createAccountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", body, &resp); err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return resp.UserID, nil
}

// Login authenticates and stores the session token.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]string{
		"email":    email,
		"password": password,
	}

	var resp createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	c.accessJwt = resp.AccessJwt
	c.userID = resp.UserID
	c.email = resp.Email
	c.mu.Unlock()
	return nil
}

// Logout forgets the session. Later calls behave as signed out.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessJwt = ""
	c.userID = ""
	c.email = ""
}

// CurrentPrincipal returns the signed-in user id.
func (c *Client) CurrentPrincipal() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.userID != ""
}

// Email returns the signed-in user's email. Only valid after Login.
func (c *Client) Email() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.email
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessJwt
}

// AuthHeader returns the headers that authenticate a request as the
// signed-in user. It is empty when signed out.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if token := c.token(); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// Create writes a document to collection. A 409 surfaces as
// domain.ErrAlreadyExists through errors.Is.
func (c *Client) Create(ctx context.Context, collection, id string, fields map[string]any) (string, error) {
	if c.token() == "" {
		return "", domain.ErrUnauthenticated
	}

	body := createDocumentRequest{ID: id, Fields: fields}
	var resp createDocumentResponse
	path := "/v1/collections/" + url.PathEscape(collection) + "/documents"
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	return resp.ID, nil
}

// Update merges fields into collection/id.
func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if c.token() == "" {
		return domain.ErrUnauthenticated
	}

	path := "/v1/collections/" + url.PathEscape(collection) + "/documents/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, fields, nil); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// UploadBlob stores data under path and returns its download URL.
func (c *Client) UploadBlob(ctx context.Context, path string, data []byte, mimeType string) (string, error) {
	token := c.token()
	if token == "" {
		return "", domain.ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/blobs/"+strings.TrimLeft(path, "/"), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+token)

	var result uploadBlobResponse
	if err := c.send(req, &result); err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	return result.URL, nil
}

// RequestPasswordReset asks the backend to email reset instructions to the
// signed-in user.
func (c *Client) RequestPasswordReset(ctx context.Context) error {
	email := c.Email()
	if email == "" {
		return domain.ErrUnauthenticated
	}
	body := map[string]string{"email": email}
	if err := c.do(ctx, http.MethodPost, "/v1/password-resets", body, nil); err != nil {
		return fmt.Errorf("request password reset: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.send(req, result)
}

func (c *Client) send(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

type createAccountResponse struct {
	UserID string `json:"userId"`
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
}

type createDocumentRequest struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type createDocumentResponse struct {
	ID string `json:"id"`
}

type uploadBlobResponse struct {
	URL string `json:"url"`
}
