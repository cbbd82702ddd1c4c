// Command agentloop runs the agent orchestration server and talks to
// a running one. The serve subcommand hosts the engine; every other
// subcommand is a thin client for the control surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentloop/engine/control"
)

var (
	addr  string
	token string
)

func main() {
	root := &cobra.Command{
		Use:          "agentloop",
		Short:        "Autonomous coding agent orchestrator",
		Long:         "agentloop drives claude, codex, and gemini CLI agents against project\nsessions: plain triggers, review loops, and crash-safe session state.\n\nStart a server with 'agentloop serve', then drive it with the other\nsubcommands.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8420", "control server address")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("AGENTLOOP_TOKEN"), "bearer token for the control server")

	root.AddCommand(
		serveCmd(),
		sendCmd(),
		loopCmd(),
		cancelCmd(),
		statusCmd(),
		sessionsCmd(),
		answerCmd(),
		watchCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// client builds a control client from the global connection flags.
func client() *control.Client {
	return control.NewClient(http.DefaultClient, addr, token)
}
