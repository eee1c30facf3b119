package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/blackmichael/studymeets/internal/config"
	"github.com/blackmichael/studymeets/internal/profile"
	"github.com/blackmichael/studymeets/internal/studyapi"
)

const usage = `usage: profile <register|create|reset-password> [flags]`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%s", usage)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := studyapi.NewClient(cfg.APIURL)
	ctx := context.Background()

	switch args[0] {
	case "register":
		return register(ctx, client, args[1:])
	case "create":
		return create(ctx, client, logger, args[1:])
	case "reset-password":
		return resetPassword(ctx, client, args[1:])
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

type credentialFlags struct {
	email    string
	password string
}

func (c *credentialFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.email, "email", envOrDefault("STUDYMEETS_EMAIL", ""), "Account email")
	fs.StringVar(&c.password, "password", envOrDefault("STUDYMEETS_PASSWORD", ""), "Account password")
}

func (c *credentialFlags) signIn(ctx context.Context, client *studyapi.Client) error {
	if c.email == "" || c.password == "" {
		return fmt.Errorf("--email and --password are required (or set STUDYMEETS_EMAIL and STUDYMEETS_PASSWORD)")
	}
	fmt.Printf("Signing in as %s...\n", c.email)
	if err := client.Login(ctx, c.email, c.password); err != nil {
		return err
	}
	userID, _ := client.CurrentPrincipal()
	fmt.Printf("Authenticated as %s\n", userID)
	return nil
}

func signOut(client *studyapi.Client) {
	client.Logout()
	fmt.Println("Signed out")
}

func register(ctx context.Context, client *studyapi.Client, args []string) error {
	var (
		creds    credentialFlags
		username string
	)
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	creds.register(fs)
	fs.StringVar(&username, "username", "", "Display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if creds.email == "" || creds.password == "" {
		return fmt.Errorf("--email and --password are required")
	}

	userID, err := client.Register(ctx, creds.email, creds.password, username)
	if err != nil {
		return err
	}
	fmt.Printf("Account created: %s\n", userID)
	return nil
}

func create(ctx context.Context, client *studyapi.Client, logger *slog.Logger, args []string) error {
	var (
		creds     credentialFlags
		imagePath string
		in        profile.Input
	)
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	creds.register(fs)
	fs.StringVar(&imagePath, "image", "", "Profile image file")
	fs.StringVar(&in.University, "university", "", "University")
	fs.StringVar(&in.Major, "major", "", "Major")
	fs.StringVar(&in.Year, "year", "", "Graduation year")
	fs.StringVar(&in.Bio, "bio", "", "Short bio")
	fs.Func("interest", "Interest tag (repeatable)", func(v string) error {
		in.Interests = in.Interests.Add(v)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}

	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		in.Image = data
		in.ImageType = mime.TypeByExtension(filepath.Ext(imagePath))
		if in.ImageType == "" {
			in.ImageType = http.DetectContentType(data)
		}
	}
	// Validate before signing in so a bad form costs no round trip.
	if _, err := profile.Normalize(in); err != nil {
		return err
	}

	if err := creds.signIn(ctx, client); err != nil {
		return err
	}
	defer signOut(client)

	svc := profile.NewService(client, client, client, logger)
	if err := svc.Create(ctx, in); err != nil {
		return err
	}
	fmt.Println("Profile created")
	return nil
}

func resetPassword(ctx context.Context, client *studyapi.Client, args []string) error {
	var creds credentialFlags
	fs := flag.NewFlagSet("reset-password", flag.ContinueOnError)
	creds.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := creds.signIn(ctx, client); err != nil {
		return err
	}
	defer signOut(client)

	if err := client.RequestPasswordReset(ctx); err != nil {
		return err
	}
	fmt.Printf("Password reset email sent to %s\n", client.Email())
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
