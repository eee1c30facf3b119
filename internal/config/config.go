package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server holds configuration for the reference backend.
type Server struct {
	// Hostname is the public hostname used to build blob URLs.
	Hostname string `env:"STUDYMEETS_HOSTNAME" envDefault:"localhost"`

	// Port is the HTTP server port.
	Port int `env:"PORT" envDefault:"3000"`

	// DatabasePath is the sqlite database file.
	DatabasePath string `env:"STUDYMEETS_DATABASE_PATH" envDefault:"studymeets.db"`

	// SigningKey signs session tokens.
	SigningKey string `env:"STUDYMEETS_SIGNING_KEY,required,notEmpty"`

	// SessionTTL is how long an issued session token stays valid.
	SessionTTL time.Duration `env:"STUDYMEETS_SESSION_TTL" envDefault:"24h"`
}

// BaseURL returns the externally visible base URL of the server.
func (c *Server) BaseURL() string {
	if c.Port == 80 {
		return "http://" + c.Hostname
	}
	return fmt.Sprintf("http://%s:%d", c.Hostname, c.Port)
}

// Client holds configuration for the Explore and profile clients.
type Client struct {
	// APIURL is the backend HTTP endpoint.
	APIURL string `env:"STUDYMEETS_API_URL" envDefault:"http://localhost:3000"`

	// FeedURL is the websocket base for live collections. Derived from
	// APIURL when empty.
	FeedURL string `env:"STUDYMEETS_FEED_URL"`

	// FeedCollection holds the study-group posts.
	FeedCollection string `env:"STUDYMEETS_FEED_COLLECTION" envDefault:"studymeets"`

	// MembershipCollection holds join records.
	MembershipCollection string `env:"STUDYMEETS_MEMBERSHIP_COLLECTION" envDefault:"userGroups"`

	// ReconnectDelay is the pause between feed reconnect attempts.
	ReconnectDelay time.Duration `env:"STUDYMEETS_RECONNECT_DELAY" envDefault:"5s"`
}

// LoadServer reads server configuration from environment variables.
func LoadServer() (*Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	return &cfg, nil
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = websocketURL(cfg.APIURL)
	}
	return &cfg, nil
}

func websocketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}
