package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentloop/engine/control"
	"github.com/agentloop/engine/engine"
	"github.com/agentloop/engine/notify"
	"github.com/agentloop/engine/observability"
)

// noticeEvent carries user-facing notices on the event feed so watch
// clients see them alongside telemetry.
const noticeEvent = observability.EventType("engine.notice")

func serveCmd() *cobra.Command {
	var configFile, listen string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg := engine.DefaultConfig()
			if configFile != "" {
				loaded, err := engine.LoadConfig(configFile)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			if listen != "" {
				cfg.Listen = listen
			}

			notices := &noticeRelay{}
			eng, err := engine.New(&cfg, engine.WithNotifier(notices))
			if err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			notices.bind(eng.Events())

			prefix, handler := control.NewControlHandler(control.NewService(eng), cfg.AuthToken)
			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				slog.Info("control server listening", "addr", cfg.Listen, "rpc", prefix)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				slog.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			if closeErr := eng.Close(); err == nil {
				err = closeErr
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to a JSON or YAML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "bind address, overrides the config file")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	return cmd
}

// noticeRelay turns engine notices into events on the broadcast feed.
// Notices sent before the feed exists are queued and flushed on bind,
// which covers crash-recovery reports emitted during startup.
type noticeRelay struct {
	mu     sync.Mutex
	sink   observability.Observer
	queued []observability.Event
}

func (n *noticeRelay) bind(sink observability.Observer) {
	n.mu.Lock()
	n.sink = sink
	queued := n.queued
	n.queued = nil
	n.mu.Unlock()

	for _, ev := range queued {
		sink.OnEvent(context.Background(), ev)
	}
}

func (n *noticeRelay) Allowed(string) bool { return true }

func (n *noticeRelay) Send(chat, text string) (notify.Ref, error) {
	slog.Info("notice", "chat", chat, "text", text)

	ev := observability.Event{
		Type:      noticeEvent,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "notify",
		Data:      map[string]any{"chat": chat, "text": text},
	}

	n.mu.Lock()
	sink := n.sink
	if sink == nil {
		n.queued = append(n.queued, ev)
	}
	n.mu.Unlock()

	if sink != nil {
		sink.OnEvent(context.Background(), ev)
	}
	return notify.NoRef, nil
}

func (n *noticeRelay) Edit(string, notify.Ref, string) error { return nil }
