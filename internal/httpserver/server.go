package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/blackmichael/studymeets/internal/config"
	"github.com/blackmichael/studymeets/internal/domain"
	"github.com/blackmichael/studymeets/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	maxJSONBody = 1 << 20
	maxBlobBody = 8 << 20

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store is the persistence the backend serves from.
type Store interface {
	CreateDocument(ctx context.Context, collection, id string, fields map[string]any) (string, error)
	UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error
	GetDocument(ctx context.Context, collection, id string) (domain.Document, error)
	ListDocuments(ctx context.Context, q domain.Query) ([]domain.Document, error)
	CreateAccount(ctx context.Context, email, password, username string) (string, error)
	Authenticate(ctx context.Context, email, password string) (string, error)
	AccountExists(ctx context.Context, email string) (bool, error)
	PutBlob(ctx context.Context, path, contentType string, data []byte) error
	GetBlob(ctx context.Context, path string) (string, []byte, error)
}

// Server is the HTTP server that backs StudyMeets clients: live collection
// sockets, document writes, accounts and blobs.
type Server struct {
	cfg        *config.Server
	store      Store
	hub        *hub
	sessions   *sessions
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	httpServer *http.Server

	// streams is cancelled on shutdown. http.Server does not track
	// hijacked connections, so sockets watch it themselves.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewServer creates a new HTTP server backed by store.
func NewServer(cfg *config.Server, store Store, logger *slog.Logger) *Server {
	streams, stopStreams := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		store:    store,
		hub:      newHub(),
		sessions: newSessions(cfg.SigningKey, cfg.SessionTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:      logger,
		streams:     streams,
		stopStreams: stopStreams,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/collections/{collection}/subscribe", s.requireSession(s.handleSubscribe))
	mux.HandleFunc("POST /v1/collections/{collection}/documents", s.requireSession(s.handleCreateDocument))
	mux.HandleFunc("GET /v1/collections/{collection}/documents/{id}", s.requireSession(s.handleGetDocument))
	mux.HandleFunc("PATCH /v1/collections/{collection}/documents/{id}", s.requireSession(s.handleUpdateDocument))
	mux.HandleFunc("POST /v1/accounts", s.handleCreateAccount)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/blobs/{path...}", s.requireSession(s.handlePutBlob))
	mux.HandleFunc("GET /v1/blobs/{path...}", s.handleGetBlob)
	mux.HandleFunc("POST /v1/password-resets", s.handlePasswordReset)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(stopStreams)

	return s
}

// Handler returns the root handler, for mounting in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and closes open sockets.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.stopStreams()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func subscribeQuery(r *http.Request) (domain.Query, error) {
	q := domain.Query{
		Collection: r.PathValue("collection"),
		OrderBy:    r.URL.Query().Get("orderBy"),
		Direction:  domain.Direction(r.URL.Query().Get("direction")),
	}
	if q.OrderBy == "" {
		q.OrderBy = domain.FieldCreatedAt
	}
	if q.Direction == "" {
		q.Direction = domain.Descending
	}
	if !fieldNamePattern.MatchString(q.OrderBy) {
		return q, fmt.Errorf("orderBy %q is not a field name", q.OrderBy)
	}
	if q.Direction != domain.Ascending && q.Direction != domain.Descending {
		return q, fmt.Errorf("direction must be %q or %q", domain.Ascending, domain.Descending)
	}
	return q, nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q, err := subscribeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Warn("websocket upgrade failed", "collection", q.Collection, "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.add(q)
	defer s.hub.remove(sub)
	s.logger.Info("subscriber connected",
		"collection", q.Collection,
		"user_id", userIDFrom(r.Context()),
		"order_by", q.OrderBy,
		"direction", q.Direction,
		"subscribers", s.hub.count(q.Collection),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	go readUntilClosed(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("subscriber disconnected", "collection", q.Collection)
			return
		case <-sub.notify:
			msg := s.snapshot(ctx, q)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("failed to write snapshot", "collection", q.Collection, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) snapshot(ctx context.Context, q domain.Query) wire.Message {
	docs, err := s.store.ListDocuments(ctx, q)
	if err != nil {
		s.logger.Error("failed to list documents", "collection", q.Collection, "error", err)
		return wire.ErrorMessage(q.Collection, "failed to load collection")
	}
	return wire.SnapshotMessage(q.Collection, docs)
}

// readUntilClosed drains client frames so control messages are handled,
// and calls done once the peer goes away.
func readUntilClosed(conn *websocket.Conn, done func()) {
	defer done()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type createDocumentRequest struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var req createDocumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}

	id, err := s.store.CreateDocument(r.Context(), collection, req.ID, req.Fields)
	if errors.Is(err, domain.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "AlreadyExists", "document already exists")
		return
	}
	if err != nil {
		s.logger.Error("failed to create document", "collection", collection, "id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to create document")
		return
	}

	s.logger.Info("document created", "collection", collection, "id", id, "user_id", userIDFrom(r.Context()))
	s.hub.publish(collection)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")

	doc, err := s.store.GetDocument(r.Context(), collection, id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", "document not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load document", "collection", collection, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, wire.Document{ID: doc.ID, Fields: doc.Fields})
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")

	var fields map[string]any
	if err := decodeJSON(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	err := s.store.UpdateDocument(r.Context(), collection, id, fields)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", "document not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to update document", "collection", collection, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to update document")
		return
	}

	s.hub.publish(collection)
	w.WriteHeader(http.StatusNoContent)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

func (c credentials) normalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(c.Email))
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.normalizedEmail() == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "email and password are required")
		return
	}

	userID, err := s.store.CreateAccount(r.Context(), req.Email, req.Password, strings.TrimSpace(req.Username))
	if errors.Is(err, domain.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "AlreadyExists", "email is already registered")
		return
	}
	if err != nil {
		s.logger.Error("failed to create account", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to create account")
		return
	}

	s.logger.Info("account created", "user_id", userID)
	s.hub.publish(domain.UsersCollection)
	writeJSON(w, http.StatusCreated, map[string]string{"userId": userID})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	userID, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, domain.ErrUnauthenticated) {
		writeError(w, http.StatusUnauthorized, "Unauthenticated", "invalid email or password")
		return
	}
	if err != nil {
		s.logger.Error("failed to authenticate", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to sign in")
		return
	}

	token, err := s.sessions.issue(userID)
	if err != nil {
		s.logger.Error("failed to issue session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to sign in")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"accessJwt": token,
		"userId":    userID,
		"email":     req.normalizedEmail(),
	})
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "blob path is required")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlobBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "InvalidRequest", "blob is too large")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	if err := s.store.PutBlob(r.Context(), path, contentType, data); err != nil {
		s.logger.Error("failed to store blob", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to store blob")
		return
	}

	s.logger.Info("blob stored", "path", path, "bytes", len(data), "user_id", userIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"url": s.cfg.BaseURL() + "/v1/blobs/" + path})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	contentType, data, err := s.store.GetBlob(r.Context(), path)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", "blob not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load blob", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load blob")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	// The reply never reveals whether the address is registered.
	exists, err := s.store.AccountExists(r.Context(), req.Email)
	if err != nil {
		s.logger.Error("failed to look up account", "error", err)
	}
	if exists {
		s.logger.Info("password reset requested", "email", req.normalizedEmail())
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
