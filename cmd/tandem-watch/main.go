// Package main implements tandem-watch, a command-line client that connects
// to a Tandem server over websocket, joins rooms and prints every change
// event it receives as one JSON line.
//
// Usage:
//
//	tandem-watch -url ws://localhost:8080/ws -token $TOKEN -rooms task:<id>,presence
//
// For local development a token can be minted from the server's secret:
//
//	tandem-watch -secret $TANDEM_AUTH_JWT_SECRET -user <uuid> -rooms presence
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/tandem-api/internal/client"
	"github.com/phrazzld/tandem-api/internal/config"
	"github.com/phrazzld/tandem-api/internal/events"
	"github.com/phrazzld/tandem-api/internal/platform/logger"
	"github.com/phrazzld/tandem-api/internal/redact"
	"github.com/phrazzld/tandem-api/internal/service/auth"
)

type options struct {
	url        string
	token      string
	secret     string
	user       string
	admin      bool
	rooms      string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logLevel   string
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "websocket endpoint")
	flag.StringVar(&opts.token, "token", "", "bearer token")
	flag.StringVar(&opts.secret, "secret", "", "JWT secret used to mint a token when -token is empty")
	flag.StringVar(&opts.user, "user", "", "user ID for a minted token (random when empty)")
	flag.BoolVar(&opts.admin, "admin", false, "mint an admin token")
	flag.StringVar(&opts.rooms, "rooms", "presence", "comma-separated rooms to join")
	flag.IntVar(&opts.maxRetries, "max-retries", 10, "reconnect attempts before giving up")
	flag.DurationVar(&opts.baseDelay, "backoff", 500*time.Millisecond, "base reconnect delay")
	flag.DurationVar(&opts.maxDelay, "max-backoff", 30*time.Second, "maximum reconnect delay")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, opts, os.Stdout, os.Stderr)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "tandem-watch: %s\n", redact.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out, errOut io.Writer) error {
	log, err := logger.SetupWithWriter(config.ServerConfig{LogLevel: opts.logLevel}, errOut)
	if err != nil {
		return err
	}

	token, err := resolveToken(ctx, opts)
	if err != nil {
		return err
	}

	c, err := client.New(client.Config{
		URL:         opts.url,
		Token:       token,
		BaseBackoff: opts.baseDelay,
		MaxBackoff:  opts.maxDelay,
		MaxRetries:  opts.maxRetries,
		Logger:      log,
		OnStateChange: func(s client.State) {
			log.Info("connection state", "state", s.String())
		},
	})
	if err != nil {
		return err
	}

	for _, room := range parseRooms(opts.rooms) {
		if err := c.Subscribe(room); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", room, err)
		}
	}

	c.Start(ctx)
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	enc := json.NewEncoder(out)
	for env := range c.Events() {
		if env.Type == events.TypeError {
			var payload events.ErrorPayload
			if err := env.UnmarshalPayload(&payload); err == nil {
				log.Warn("server error", "code", payload.Code, "message", payload.Message)
			}
		}
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	<-c.Done()
	if err := c.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveToken returns opts.token or mints one from opts.secret.
func resolveToken(ctx context.Context, opts options) (string, error) {
	if opts.token != "" {
		return opts.token, nil
	}
	if opts.secret == "" {
		return "", errors.New("either -token or -secret is required")
	}

	userID := uuid.New()
	if opts.user != "" {
		var err error
		if userID, err = uuid.Parse(opts.user); err != nil {
			return "", fmt.Errorf("invalid -user: %w", err)
		}
	}
	role := auth.RoleMember
	if opts.admin {
		role = auth.RoleAdmin
	}

	svc, err := auth.NewJWTService(config.AuthConfig{JWTSecret: opts.secret, TokenLifetimeMinutes: 60})
	if err != nil {
		return "", err
	}
	return svc.GenerateToken(ctx, auth.Identity{UserID: userID, Role: role})
}

func parseRooms(list string) []string {
	var rooms []string
	for _, room := range strings.Split(list, ",") {
		if room = strings.TrimSpace(room); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms
}
