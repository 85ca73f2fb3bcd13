package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/app"
	"github.com/toolink/eventfn/config"
	"github.com/toolink/eventfn/lifecycle"
	"github.com/toolink/eventfn/logging"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("eventfn failed")
		os.Exit(1)
	}
}

func run() error {
	cmd := &cli.Command{
		Name:  "eventfn",
		Usage: "Chat and events backend handlers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML config file (searched in ., config, /etc/eventfn when empty)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			trendingCommand(),
			rateLimitCommand(),
		},
	}
	return cmd.Run(context.Background(), os.Args)
}

// setup loads config, configures logging and wires the application.
func setup(c *cli.Command) (*app.App, error) {
	cfg, path, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if override := c.String("log-level"); override != "" {
		level = override
	}
	if err := logging.Setup(level, cfg.Log.Pretty); err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Str("driver", cfg.Store.Driver).Msg("config loaded")

	return app.New(cfg)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP endpoints, queue consumers and the trending schedule",
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := setup(c)
			if err != nil {
				return err
			}
			defer a.Close()

			m := lifecycle.New()
			for _, component := range a.Components() {
				if err := m.Register(component); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := m.StartAll(ctx); err != nil {
				return err
			}
			log.Info().Str("addr", a.HTTP.Addr()).Msg("eventfn started")

			<-ctx.Done()
			log.Info().Msg("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
			defer cancel()
			return m.StopAll(shutdownCtx)
		},
	}
}

func trendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "trending",
		Usage: "Trending score maintenance",
		Commands: []*cli.Command{
			{
				Name:  "recompute",
				Usage: "Recompute every trending score once",
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := setup(c)
					if err != nil {
						return err
					}
					defer a.Close()

					started := time.Now()
					if err := a.Scheduler.RunNow(ctx, a.Recomputer.Name()); err != nil {
						return err
					}
					fmt.Printf("trending scores recomputed in %s\n", time.Since(started).Round(time.Millisecond))
					return nil
				},
			},
		},
	}
}

func rateLimitCommand() *cli.Command {
	identityFlag := &cli.StringFlag{
		Name:     "identity",
		Aliases:  []string{"u"},
		Usage:    "Caller identity (user id)",
		Required: true,
	}

	return &cli.Command{
		Name:  "ratelimit",
		Usage: "Inspect and manage rate limit windows",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Consume one action for an identity",
				Flags: []cli.Flag{identityFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := setup(c)
					if err != nil {
						return err
					}
					defer a.Close()

					decision, err := a.Limiter.CheckAndConsume(ctx, c.String("identity"), time.Now())
					if err != nil && !errors.Is(err, apperr.ErrResourceExhausted) {
						return err
					}
					fmt.Printf("allowed=%t count=%d/%d reset_at=%s\n",
						decision.Allowed, decision.Count, decision.Limit, decision.ResetAt.Format(time.RFC3339))
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show the current window of an identity without consuming",
				Flags: []cli.Flag{identityFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := setup(c)
					if err != nil {
						return err
					}
					defer a.Close()

					decision, err := a.Limiter.Peek(ctx, c.String("identity"), time.Now())
					if err != nil {
						return err
					}
					fmt.Printf("count=%d/%d remaining=%d reset_at=%s\n",
						decision.Count, decision.Limit, decision.Remaining, decision.ResetAt.Format(time.RFC3339))
					return nil
				},
			},
			{
				Name:  "reset",
				Usage: "Clear the window of an identity",
				Flags: []cli.Flag{identityFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					a, err := setup(c)
					if err != nil {
						return err
					}
					defer a.Close()

					if err := a.Limiter.Reset(ctx, c.String("identity")); err != nil {
						return err
					}
					fmt.Printf("rate limit window cleared for %s\n", c.String("identity"))
					return nil
				},
			},
		},
	}
}
