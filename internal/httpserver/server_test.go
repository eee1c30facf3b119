package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blackmichael/studymeets/internal/config"
	"github.com/blackmichael/studymeets/internal/domain"
	"github.com/blackmichael/studymeets/internal/feedsource"
	"github.com/blackmichael/studymeets/internal/sqlite"
	"github.com/blackmichael/studymeets/internal/studyapi"
	"github.com/blackmichael/studymeets/internal/wire"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv  *httptest.Server
	repo *sqlite.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "studymeets.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := &config.Server{
		Hostname:   "localhost",
		Port:       3000,
		SigningKey: "test-signing-key",
		SessionTTL: time.Hour,
	}
	server := NewServer(cfg, repo, discardLogger())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, repo: repo}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]string) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]string{}
	if data, _ := io.ReadAll(resp.Body); len(data) > 0 {
		json.Unmarshal(data, &out)
	}
	return resp, out
}

// signIn registers an account and returns a session token and user id.
func (e *testEnv) signIn(t *testing.T, email string) (string, string) {
	t.Helper()
	creds := map[string]string{"email": email, "password": "hunter2", "username": "ada"}
	if resp, _ := e.request(t, http.MethodPost, "/v1/accounts", "", creds); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create account: status %d", resp.StatusCode)
	}
	resp, body := e.request(t, http.MethodPost, "/v1/sessions", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	return body["accessJwt"], body["userId"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, body["status"], "ok")
}

func TestAccountsAndSessions(t *testing.T) {
	env := newTestEnv(t)
	creds := map[string]string{"email": "Ada@Example.com", "password": "hunter2", "username": "ada"}

	resp, body := env.request(t, http.MethodPost, "/v1/accounts", "", creds)
	assert.Equal(t, resp.StatusCode, http.StatusCreated)
	userID := body["userId"]
	assert.NotEqual(t, userID, "")

	resp, _ = env.request(t, http.MethodPost, "/v1/accounts", "", creds)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)

	resp, _ = env.request(t, http.MethodPost, "/v1/accounts", "", map[string]string{"email": "bob@example.com"})
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)

	resp, body = env.request(t, http.MethodPost, "/v1/sessions", "", creds)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, body["userId"], userID)
	assert.Equal(t, body["email"], "ada@example.com")
	assert.NotEqual(t, body["accessJwt"], "")

	resp, _ = env.request(t, http.MethodPost, "/v1/sessions", "", map[string]string{"email": "ada@example.com", "password": "nope"})
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestWritesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"fields": map[string]any{"Title": "Calculus"}}

	resp, _ := env.request(t, http.MethodPost, "/v1/collections/studymeets/documents", "", body)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	resp, _ = env.request(t, http.MethodPost, "/v1/collections/studymeets/documents", "not-a-jwt", body)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	other := newSessions("another-key", time.Hour)
	forged, err := other.issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	resp, _ = env.request(t, http.MethodPost, "/v1/collections/studymeets/documents", forged, body)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestCreateAndUpdateDocument(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signIn(t, "ada@example.com")

	record := map[string]any{
		"id":     domain.MembershipID(userID, "p1"),
		"fields": map[string]any{domain.FieldUserID: userID, domain.FieldPostID: "p1"},
	}
	resp, body := env.request(t, http.MethodPost, "/v1/collections/userGroups/documents", token, record)
	assert.Equal(t, resp.StatusCode, http.StatusCreated)
	assert.Equal(t, body["id"], domain.MembershipID(userID, "p1"))

	resp, _ = env.request(t, http.MethodPost, "/v1/collections/userGroups/documents", token, record)
	assert.Equal(t, resp.StatusCode, http.StatusConflict)

	resp, _ = env.request(t, http.MethodPatch, "/v1/collections/users/documents/"+userID, token, map[string]any{"bio": "hi"})
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)

	resp, _ = env.request(t, http.MethodPatch, "/v1/collections/users/documents/missing", token, map[string]any{"bio": "hi"})
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)

	doc, err := env.repo.GetDocument(context.Background(), domain.UsersCollection, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	assert.Equal(t, doc.Fields["bio"], "hi")
	assert.Equal(t, doc.Fields["username"], "ada")
}

func TestGetDocument(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signIn(t, "ada@example.com")

	get := func(token, id string) (*http.Response, wire.Document) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/collections/users/documents/"+id, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var doc wire.Document
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
		return resp, doc
	}

	resp, doc := get(token, userID)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, doc.ID, userID)
	assert.Equal(t, doc.Fields["username"], "ada")
	assert.Equal(t, doc.Fields["createdProfile"], false)
	if _, ok := doc.Fields["email"]; ok {
		t.Fatalf("users document leaked the email: %v", doc.Fields)
	}

	resp, _ = get(token, "missing")
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)

	resp, _ = get("", userID)
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
}

func TestBlobs(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signIn(t, "ada@example.com")

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/blobs/profile-images/"+userID, strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "image/png")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var uploaded map[string]string
	json.NewDecoder(resp.Body).Decode(&uploaded)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, uploaded["url"], "http://localhost:3000/v1/blobs/profile-images/"+userID)

	resp, err = http.Get(env.srv.URL + "/v1/blobs/profile-images/" + userID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, resp.Header.Get("Content-Type"), "image/png")
	assert.Equal(t, string(data), "png-bytes")

	resp, _ = env.request(t, http.MethodGet, "/v1/blobs/profile-images/nobody", "", nil)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestPasswordResetAlwaysAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "ada@example.com")

	for _, email := range []string{"ada@example.com", "nobody@example.com"} {
		resp, _ := env.request(t, http.MethodPost, "/v1/password-resets", "", map[string]string{"email": email})
		assert.Equal(t, resp.StatusCode, http.StatusAccepted)
	}
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func readMessage(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wire.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestSubscribeStreamsSnapshots(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signIn(t, "ada@example.com")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/collections/studymeets/subscribe?orderBy=CreatedAt&direction=desc"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, bearer(token))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, msg.Type, wire.TypeSnapshot)
	assert.Equal(t, msg.Collection, "studymeets")
	assert.Equal(t, len(msg.Documents), 0)

	for _, title := range []string{"Calculus", "Physics"} {
		resp, _ := env.request(t, http.MethodPost, "/v1/collections/studymeets/documents", token,
			map[string]any{"fields": map[string]any{domain.FieldTitle: title}})
		assert.Equal(t, resp.StatusCode, http.StatusCreated)
	}

	// Writes may coalesce; read until both posts are present.
	var docs []wire.Document
	for len(docs) < 2 {
		msg = readMessage(t, conn)
		assert.Equal(t, msg.Type, wire.TypeSnapshot)
		docs = msg.Documents
	}
	assert.Equal(t, docs[0].Fields[domain.FieldTitle], "Physics")
	assert.Equal(t, docs[1].Fields[domain.FieldTitle], "Calculus")
}

func TestSubscribeRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t, "ada@example.com")
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/collections/users/subscribe"

	forged, err := newSessions("another-key", time.Hour).issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for name, header := range map[string]http.Header{
		"no token":     nil,
		"forged token": bearer(forged),
	} {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if err == nil {
				conn.Close()
				t.Fatal("expected the handshake to be refused")
			}
			if resp == nil {
				t.Fatalf("expected an HTTP response, got %v", err)
			}
			assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
		})
	}
}

func TestSubscribeRejectsBadQuery(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signIn(t, "ada@example.com")

	tests := []struct {
		name  string
		query string
	}{
		{name: "order field", query: "orderBy=Title%3B"},
		{name: "direction", query: "direction=sideways"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.request(t, http.MethodGet, "/v1/collections/studymeets/subscribe?"+tt.query, token, nil)
			assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
		})
	}
}

type notifications chan domain.Notification

func (n notifications) Notify(note domain.Notification) { n <- note }

func TestExploreAgainstBackend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	client := studyapi.NewClient(env.srv.URL)
	if _, err := client.Register(ctx, "ada@example.com", "hunter2", "ada"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := client.Login(ctx, "ada@example.com", "hunter2"); err != nil {
		t.Fatalf("login: %v", err)
	}
	userID, _ := client.CurrentPrincipal()

	source := feedsource.NewSource("ws"+strings.TrimPrefix(env.srv.URL, "http"), discardLogger(),
		feedsource.WithReconnectDelay(50*time.Millisecond),
		feedsource.WithHeader(client.AuthHeader))
	notes := make(notifications, 4)
	explore := domain.NewExplore(domain.ExploreConfig{
		FeedCollection:       "studymeets",
		MembershipCollection: "userGroups",
	}, source, client, client, notes, discardLogger())

	snaps := make(chan domain.Snapshot, 16)
	explore.Feed().Observe(domain.ObserverFuncs{
		OnSnapshot: func(s domain.Snapshot) { snaps <- s },
	})
	sub, err := explore.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Unsubscribe()

	postID, err := explore.CreatePost(ctx, "Linear Algebra", map[string]any{"location": "Library"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for explore.Feed().Snapshot().Len() == 0 {
		select {
		case <-snaps:
		case <-deadline:
			t.Fatal("post never reached the feed")
		}
	}
	assert.Equal(t, explore.Feed().State(), domain.StateLive)

	explore.SetQuery("algebra")
	visible := explore.Visible()
	assert.Equal(t, len(visible), 1)
	assert.Equal(t, visible[0].ID, postID)

	for range 2 {
		if err := explore.JoinGroup(ctx, postID); err != nil {
			t.Fatalf("join: %v", err)
		}
		assert.Equal(t, (<-notes).Title, "Joined")
	}

	records, err := env.repo.ListDocuments(ctx, domain.FeedQuery("userGroups"))
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].ID, domain.MembershipID(userID, postID))
	assert.Equal(t, records[0].Fields[domain.FieldUserID], userID)
	assert.Equal(t, records[0].Fields[domain.FieldPostID], postID)
}

func TestSessionExpiry(t *testing.T) {
	s := newSessions("key", time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	token, err := s.issue("u1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := s.verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	assert.Equal(t, userID, "u1")

	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := s.verify(token); err == nil {
		t.Fatal("expected expired session to be rejected")
	}
}
