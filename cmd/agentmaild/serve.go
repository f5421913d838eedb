package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentmail-dev/agentmail/internal/agent"
	"github.com/agentmail-dev/agentmail/internal/buildslot"
	"github.com/agentmail-dev/agentmail/internal/contact"
	"github.com/agentmail-dev/agentmail/internal/dispatch"
	"github.com/agentmail-dev/agentmail/internal/events"
	"github.com/agentmail-dev/agentmail/internal/gitarchive"
	"github.com/agentmail-dev/agentmail/internal/mcpserve"
	"github.com/agentmail-dev/agentmail/internal/metrics"
	"github.com/agentmail-dev/agentmail/internal/product"
	"github.com/agentmail-dev/agentmail/internal/project"
	"github.com/agentmail-dev/agentmail/internal/ratelimit"
	"github.com/agentmail-dev/agentmail/internal/repocache"
	"github.com/agentmail-dev/agentmail/internal/reserve"
	"github.com/agentmail-dev/agentmail/internal/search"
	"github.com/agentmail-dev/agentmail/internal/serve"
	"github.com/agentmail-dev/agentmail/internal/store"

	"github.com/agentmail-dev/agentmail/internal/message"
)

type serveOptions struct {
	host string
	port int
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST/MCP mail service",
		Long: `Start the HTTP server exposing the reservation, messaging, contact, and
build-slot tool catalog over REST, plus SSE/WebSocket live event feeds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "bind host (overrides config/env)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "bind port (overrides config/env)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	host := cfg.Host
	if opts.host != "" {
		host = opts.host
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return fmt.Errorf("invalid configured port %q: %w", cfg.Port, err)
	}
	if opts.port != 0 {
		port = opts.port
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	repos := repocache.New(cfg.RepoCacheCapacity)
	archiveDir := filepath.Join(cfg.DataDir, "archive")
	archive := gitarchive.New(archiveDir, repos, slog.Default())

	projects := project.New(st)
	agents := agent.New(st)
	contacts := contact.New(st)
	srch := search.New(st)
	messages := message.New(st, agents, projects, contacts, archive, srch)

	bus := events.DefaultBus
	emitter := events.NewEventEmitter(bus, 1024)

	services := &dispatch.Services{
		Projects:         projects,
		Agents:           agents,
		Messages:         messages,
		Search:           srch,
		Reserve:          reserve.New(st),
		BuildSlots:       buildslot.New(st),
		Contacts:         contacts,
		Products:         product.New(st),
		Events:           emitter,
		Archive:          archive,
		WorktreesEnabled: cfg.WorktreesEnabled,
	}

	authMode, err := serve.ParseAuthMode(string(cfg.HTTPAuthMode))
	if err != nil {
		return err
	}

	rateLimit := ratelimit.NewWithDefaults(cfg.RateLimitEnabled, float64(cfg.RateLimitDefaultRPS), cfg.RateLimitDefaultBurst)
	recorder := metrics.New(prometheus.DefaultRegisterer)

	mcp := mcpserve.New(mcpserve.Config{
		Services:    services,
		RateLimit:   rateLimit,
		BearerToken: cfg.HTTPBearerToken,
		Version:     Version,
		Recorder:    recorder,
	})

	srv := serve.New(serve.Config{
		Host:       host,
		Port:       port,
		Store:      st,
		Repos:      repos,
		ArchiveDir: archiveDir,
		Services:   services,
		Bus:        bus,
		Auth: serve.AuthConfig{
			Mode:                          authMode,
			BearerToken:                   cfg.HTTPBearerToken,
			JWKSURL:                       cfg.HTTPJWKSURL,
			AllowLocalhostUnauthenticated: cfg.HTTPAllowLocalhostUnauthenticated,
		},
		AllowedOrigins: cfg.HTTPAllowedOrigins,
		RateLimit:      rateLimit,
		MCP:            mcp,
		Metrics:        metrics.Handler(),
		Recorder:       recorder,
	})

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("%s agentmaild listening on %s:%d (auth=%s, worktrees=%v)\n",
		color.GreenString("*"), host, port, authMode, cfg.WorktreesEnabled)

	return srv.Start(runCtx)
}
