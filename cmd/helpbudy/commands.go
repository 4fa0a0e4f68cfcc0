package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tbourn/helpbudy-patient/internal/app"
	"github.com/tbourn/helpbudy-patient/internal/config"
	"github.com/tbourn/helpbudy-patient/internal/observability"
	"github.com/tbourn/helpbudy-patient/internal/sysutil"
)

// flagEnv maps global flags onto the environment variables config.Load
// reads, so flag values go through the same validation as the environment.
var flagEnv = map[string]string{
	"api":       "API_BASE_URL",
	"socket":    "SOCKET_URL",
	"listen":    "LISTEN_ADDR",
	"storage":   "STORAGE_BACKEND",
	"db":        "DB_PATH",
	"log-level": "LOG_LEVEL",
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "helpbudy",
		Usage:   "HelpBudy patient agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file loaded before configuration", Value: ".env"},
			&cli.StringFlag{Name: "api", Usage: "backend REST base URL"},
			&cli.StringFlag{Name: "socket", Usage: "backend websocket origin"},
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "local API listen address"},
			&cli.StringFlag{Name: "storage", Usage: "session storage backend (memory, sqlite, redis)"},
			&cli.StringFlag{Name: "db", Usage: "SQLite database path"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Before: loadEnvironment,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the agent and its local control API",
				Action: serveAction,
			},
			{
				Name:  "request-otp",
				Usage: "Text a sign-in passcode to a phone number",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "phone", Aliases: []string{"p"}, Required: true},
				},
				Action: requestOTPAction,
			},
			{
				Name:  "verify-otp",
				Usage: "Sign in with the passcode and store the session",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "phone", Aliases: []string{"p"}, Required: true},
					&cli.StringFlag{Name: "code", Aliases: []string{"c"}, Required: true},
				},
				Action: verifyOTPAction,
			},
			{
				Name:   "whoami",
				Usage:  "Show the signed-in user",
				Action: whoamiAction,
			},
			{
				Name:   "logout",
				Usage:  "End the session and clear stored tokens",
				Action: logoutAction,
			},
			{
				Name:   "version",
				Usage:  "Show version information",
				Action: versionAction,
			},
		},
	}
}

// loadEnvironment reads the dotenv file, then lets explicit flags win.
// A missing dotenv file is not an error.
func loadEnvironment(c *cli.Context) error {
	if path := c.String("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	for flag, env := range flagEnv {
		if c.IsSet(flag) {
			if err := os.Setenv(env, c.String(flag)); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	sysutil.ConfigureLogging(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	return cfg, nil
}

// withAgent builds the agent for a one-shot command and closes it after fn.
func withAgent(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("close agent")
		}
	}()
	return fn(c.Context, a)
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	log.Info().Str("version", version).Str("api", cfg.APIBaseURL).Msg("agent starting")
	return a.Run(ctx)
}

func requestOTPAction(c *cli.Context) error {
	return withAgent(c, func(ctx context.Context, a *app.App) error {
		if err := a.Auth.RequestOTP(ctx, c.String("phone")); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "passcode sent")
		return nil
	})
}

func verifyOTPAction(c *cli.Context) error {
	return withAgent(c, func(ctx context.Context, a *app.App) error {
		u, err := a.Auth.VerifyOTP(ctx, c.String("phone"), c.String("code"))
		if err != nil {
			return err
		}
		return printJSON(c, u)
	})
}

func whoamiAction(c *cli.Context) error {
	return withAgent(c, func(ctx context.Context, a *app.App) error {
		u, err := a.Auth.Me(ctx)
		if err != nil {
			return err
		}
		return printJSON(c, u)
	})
}

func logoutAction(c *cli.Context) error {
	return withAgent(c, func(ctx context.Context, a *app.App) error {
		if err := a.Auth.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "signed out")
		return nil
	})
}

func versionAction(c *cli.Context) error {
	fmt.Fprintf(c.App.Writer, "helpbudy %s\n", version)
	return nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
