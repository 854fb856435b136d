package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/blackmichael/atweet/internal/bluesky"
	"github.com/blackmichael/atweet/internal/config"
	"github.com/blackmichael/atweet/internal/cursor"
	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/httpserver"
	"github.com/blackmichael/atweet/internal/posting"
	"github.com/blackmichael/atweet/internal/sqlite"
	"github.com/blackmichael/atweet/internal/storage"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3

	cursorService = "jetstream"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "atweet",
		Usage: "Post twits and read the local atweet timeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "storage",
				Value:   storage.BackendSQLite,
				Usage:   "Timeline backend (sqlite or pebble)",
				EnvVars: []string{"TWIT_REPOSITORY_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   ".data/twits",
				Usage:   "SQLite database path (.sqlite is appended when there is no extension)",
				EnvVars: []string{"TWIT_REPOSITORY_FILE"},
			},
			&cli.StringFlag{
				Name:    "pebble-dir",
				Value:   ".data/twits-pebble",
				Usage:   "Pebble data directory",
				EnvVars: []string{"TWIT_REPOSITORY_PEBBLE_DIR"},
			},
			&cli.IntFlag{
				Name:    "max-buffer",
				Value:   domain.DefaultMaxBuffer,
				Usage:   "Number of timeline items retained",
				EnvVars: []string{"TWIT_REPOSITORY_MAX_BUFFER"},
			},
			&cli.StringFlag{
				Name:    "pds",
				Value:   config.DefaultPDSURL,
				Usage:   "PDS service URL",
				EnvVars: []string{"ATP_PDS_URL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "post",
				Usage:     "Publish a twit",
				ArgsUsage: "<text>",
				Flags:     authFlags(),
				Action:    postTwit,
			},
			{
				Name:      "retwit",
				Usage:     "Reshare a twit already in the local timeline",
				ArgsUsage: "<subject-uri> [subject-cid]",
				Flags:     authFlags(),
				Action:    retwit,
			},
			{
				Name:  "feed",
				Usage: "Print a page of the local timeline as JSON",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   domain.DefaultLimit,
						Usage:   "Maximum number of items to return (1-50)",
					},
					&cli.StringFlag{
						Name:    "cursor",
						Aliases: []string{"c"},
						Usage:   "Cursor returned by a previous page",
					},
				},
				Action: showFeed,
			},
			{
				Name:  "cursor",
				Usage: "Print the persisted Jetstream cursor",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "cursor-file",
						Value:   ".data/jetstream-cursor",
						Usage:   "Cursor file written by the server",
						EnvVars: []string{"JETSTREAM_CURSOR_FILE"},
					},
					&cli.StringFlag{
						Name:    "cursor-backend",
						Value:   config.CursorBackendFile,
						Usage:   "Where the server keeps the cursor (file or database)",
						EnvVars: []string{"JETSTREAM_CURSOR_BACKEND"},
					},
				},
				Action: showCursor,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func authFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "handle",
			Usage:    "Handle or DID to log in as",
			EnvVars:  []string{"ATWEET_HANDLE"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "password",
			Usage:    "App password",
			EnvVars:  []string{"ATWEET_APP_PASSWORD"},
			Required: true,
		},
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openStorage(c *cli.Context, logger *slog.Logger) (*storage.Storage, error) {
	backend := c.String("storage")
	if backend == storage.BackendMemory {
		return nil, fmt.Errorf("the memory backend does not outlive the command; use sqlite or pebble")
	}
	return storage.Open(c.Context, storage.Options{
		Backend:      backend,
		DatabaseFile: c.String("db"),
		PebbleDir:    c.String("pebble-dir"),
		MaxBuffer:    c.Int("max-buffer"),
	}, logger)
}

func login(c *cli.Context) (*bluesky.Client, error) {
	client := bluesky.NewClient(c.String("pds"))
	if err := client.Login(c.Context, c.String("handle"), c.String("password")); err != nil {
		return nil, err
	}
	return client, nil
}

// newPostingService shares the backend's post log, so the cooldown holds
// between invocations.
func newPostingService(s *storage.Storage, logger *slog.Logger) *posting.Service {
	return posting.NewService(s.Repository, s.PostLog, domain.NewHandleCache(), clockwork.NewRealClock(), posting.DefaultCooldown, logger)
}

func outputJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func publishExit(err error) error {
	if errors.Is(err, posting.ErrCooldown) ||
		errors.Is(err, posting.ErrSubjectNotFound) ||
		errors.Is(err, posting.ErrEmptyText) {
		return cli.Exit(err.Error(), ExitUsageError)
	}
	return cli.Exit(err.Error(), ExitGeneralError)
}

func postTwit(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: atweet post --handle <handle> --password <app-password> <text>", ExitUsageError)
	}

	logger := newLogger()
	s, err := openStorage(c, logger)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	client, err := login(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}

	svc := newPostingService(s, logger)
	item, err := svc.PostTwit(c.Context, client, c.Args().First())
	if err != nil {
		return publishExit(err)
	}
	return outputJSON(httpserver.NewFeedResponse(&domain.ListResult{Items: []domain.FeedItem{*item}}).Items[0])
}

func retwit(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: atweet retwit --handle <handle> --password <app-password> <subject-uri> [subject-cid]", ExitUsageError)
	}

	logger := newLogger()
	s, err := openStorage(c, logger)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	client, err := login(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}

	svc := newPostingService(s, logger)
	item, err := svc.Retwit(c.Context, client, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return publishExit(err)
	}
	return outputJSON(httpserver.NewFeedResponse(&domain.ListResult{Items: []domain.FeedItem{*item}}).Items[0])
}

func showFeed(c *cli.Context) error {
	logger := newLogger()
	s, err := openStorage(c, logger)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	svc := domain.NewFeedService(s.Repository, domain.NewHandleCache(), logger)
	page, err := svc.GetFeed(c.Context, c.Int("limit"), c.String("cursor"))
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	return outputJSON(httpserver.NewFeedResponse(page))
}

func showCursor(c *cli.Context) error {
	logger := newLogger()

	var backend cursor.Backend
	switch c.String("cursor-backend") {
	case config.CursorBackendFile:
		backend = cursor.NewFileBackend(c.String("cursor-file"))
	case config.CursorBackendDatabase:
		repo, err := sqlite.NewRepository(c.Context, storage.SQLitePath(c.String("db")), c.Int("max-buffer"))
		if err != nil {
			return cli.Exit(err.Error(), ExitDataError)
		}
		defer repo.Close()
		backend = cursor.NewRepositoryBackend(repo, cursorService)
	default:
		return cli.Exit(fmt.Sprintf("unknown cursor backend %q", c.String("cursor-backend")), ExitUsageError)
	}

	value, ok := cursor.NewStore(backend, logger).ReadPersisted(c.Context)
	if !ok {
		return cli.Exit("no cursor persisted", ExitDataError)
	}
	fmt.Println(value)
	return nil
}
