package feedsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blackmichael/studymeets/internal/domain"
	"github.com/blackmichael/studymeets/internal/wire"
	"github.com/gorilla/websocket"
)

const defaultReconnectDelay = 5 * time.Second

// Source connects to live collection websockets and implements
// domain.FeedSource. Each subscription owns one connection and reconnects
// after transient errors until cancelled.
type Source struct {
	baseURL        string
	dialer         *websocket.Dialer
	header         func() http.Header
	reconnectDelay time.Duration
	logger         *slog.Logger
}

var _ domain.FeedSource = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithReconnectDelay sets the pause between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithHeader sets a func supplying extra handshake headers, evaluated on
// every (re)connect.
func WithHeader(fn func() http.Header) Option {
	return func(s *Source) {
		s.header = fn
	}
}

// NewSource creates a Source for the ws:// or wss:// base URL.
func NewSource(baseURL string, logger *slog.Logger, opts ...Option) *Source {
	s := &Source{
		baseURL:        strings.TrimRight(baseURL, "/"),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: defaultReconnectDelay,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe starts streaming snapshots of q in the background.
func (s *Source) Subscribe(q domain.Query, onChange func([]domain.Document), onError func(error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go s.run(ctx, q, onChange, onError)
	return cancel
}

func (s *Source) run(ctx context.Context, q domain.Query, onChange func([]domain.Document), onError func(error)) {
	for {
		err := s.stream(ctx, q, onChange, onError)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("feed connection error, reconnecting",
			"collection", q.Collection,
			"delay", s.reconnectDelay,
			"error", err,
		)
		onError(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Source) buildURL(q domain.Query) (string, error) {
	u, err := url.Parse(s.baseURL + "/v1/collections/" + url.PathEscape(q.Collection) + "/subscribe")
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	v := u.Query()
	if q.OrderBy != "" {
		v.Set("orderBy", q.OrderBy)
	}
	if q.Direction != "" {
		v.Set("direction", string(q.Direction))
	}
	u.RawQuery = v.Encode()
	return u.String(), nil
}

func (s *Source) stream(ctx context.Context, q domain.Query, onChange func([]domain.Document), onError func(error)) error {
	wsURL, err := s.buildURL(q)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to feed", "url", wsURL)

	var header http.Header
	if s.header != nil {
		header = s.header()
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not observe ctx; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to feed", "collection", q.Collection)

	var snapshots int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message after %d snapshots: %w", snapshots, err)
		}

		msg, err := parseMessage(data)
		if err != nil {
			s.logger.Error("failed to parse feed message", "error", err)
			continue
		}

		switch msg.Type {
		case wire.TypeSnapshot:
			snapshots++
			onChange(wire.DomainDocuments(msg.Documents))
		case wire.TypeError:
			onError(fmt.Errorf("remote: %s", msg.Message))
		default:
			s.logger.Debug("ignoring feed message", "type", msg.Type)
		}
	}
}

func parseMessage(data []byte) (*wire.Message, error) {
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("message has no type")
	}
	return &msg, nil
}
