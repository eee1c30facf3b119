package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/blackmichael/studymeets/internal/config"
	"github.com/blackmichael/studymeets/internal/domain"
	"github.com/blackmichael/studymeets/internal/feedsource"
	"github.com/blackmichael/studymeets/internal/studyapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		email    string
		password string
		verbose  bool
	)
	flag.StringVar(&email, "email", envOrDefault("STUDYMEETS_EMAIL", ""), "Account email")
	flag.StringVar(&password, "password", envOrDefault("STUDYMEETS_PASSWORD", ""), "Account password")
	flag.BoolVar(&verbose, "v", false, "Log feed connection details")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The feed socket is session-gated, so browsing needs an account too.
	if email == "" || password == "" {
		return fmt.Errorf("--email and --password are required (or set STUDYMEETS_EMAIL and STUDYMEETS_PASSWORD)")
	}
	client := studyapi.NewClient(cfg.APIURL)
	if err := client.Login(ctx, email, password); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	term := &terminal{out: os.Stdout}
	source := feedsource.NewSource(cfg.FeedURL, logger,
		feedsource.WithReconnectDelay(cfg.ReconnectDelay),
		feedsource.WithHeader(client.AuthHeader),
	)
	explore := domain.NewExplore(domain.ExploreConfig{
		FeedCollection:       cfg.FeedCollection,
		MembershipCollection: cfg.MembershipCollection,
	}, source, client, client, term, logger)

	explore.Feed().Observe(domain.ObserverFuncs{
		OnSnapshot: func(domain.Snapshot) { term.render(explore.Query(), explore.Visible()) },
		OnError: func(err error) {
			term.printf("feed unavailable, showing last results: %v\n", err)
		},
	})

	sub, err := explore.Start(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to feed: %w", err)
	}
	defer sub.Unsubscribe()

	userID, _ := client.CurrentPrincipal()
	term.printf("signed in as %s (%s)\n", client.Email(), userID)
	term.printf("%s\n", usage)

	lines := make(chan string)
	go scanLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				term.printf("%v\n%s\n", err, usage)
				continue
			}
			if cmd.name == cmdQuit {
				return nil
			}
			execute(ctx, explore, term, cmd)
		}
	}
}

func execute(ctx context.Context, explore *domain.Explore, term *terminal, cmd command) {
	switch cmd.name {
	case cmdSearch:
		explore.SetQuery(cmd.arg)
		term.render(explore.Query(), explore.Visible())
	case cmdList:
		term.render(explore.Query(), explore.Visible())
	case cmdJoin:
		postID := cmd.arg
		if n, err := strconv.Atoi(cmd.arg); err == nil {
			visible := explore.Visible()
			if n < 1 || n > len(visible) {
				term.printf("no result #%d\n", n)
				return
			}
			postID = visible[n-1].ID
		}
		// Outcome is reported through the notifier; the prompt stays free.
		explore.JoinGroupAsync(ctx, postID)
	case cmdPost:
		id, err := explore.CreatePost(ctx, cmd.arg, nil)
		if err != nil {
			term.printf("could not create post: %v\n", err)
			return
		}
		term.printf("posted %s\n", id)
	}
}

func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// terminal serializes output from the feed goroutine and the command loop.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) render(query string, posts []domain.FeedPost) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if query != "" {
		fmt.Fprintf(t.out, "-- %d result(s) for %q --\n", len(posts), query)
	} else {
		fmt.Fprintf(t.out, "-- %d study group(s) --\n", len(posts))
	}
	for i, p := range posts {
		title := p.Title
		if !p.Searchable {
			title = "(untitled)"
		}
		fmt.Fprintf(t.out, "%3d. %s [%s]\n", i+1, title, p.ID)
	}
}

// Notify implements domain.Notifier.
func (t *terminal) Notify(n domain.Notification) {
	t.printf("%s: %s\n", n.Title, n.Message)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
