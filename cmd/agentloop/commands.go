package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/agentloop/engine/control"
)

func sendCmd() *cobra.Command {
	var chat, session string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a task to the active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Submit(cmd.Context(), &control.SubmitRequest{
				Chat:    chat,
				Session: session,
				Text:    args[0],
			})
			if err != nil {
				return err
			}
			switch resp.Status {
			case "started":
				fmt.Printf("started on %s\n", resp.Kind)
			case "queued":
				fmt.Printf("queued at #%d\n", resp.Position)
			case "rejected":
				fmt.Printf("rejected: %d MB free, %d active runs\n", resp.FreeMB, resp.Active)
			default:
				fmt.Println(resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "default", "chat scope")
	cmd.Flags().StringVar(&session, "session", "", "session id (default: the active session)")
	return cmd
}

func loopCmd() *cobra.Command {
	var chat, session, mode string
	cmd := &cobra.Command{
		Use:   "loop [task]",
		Short: "Start an autonomous loop on the active session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := ""
			if len(args) > 0 {
				task = args[0]
			}
			resp, err := client().StartLoop(cmd.Context(), &control.LoopRequest{
				Chat:    chat,
				Session: session,
				Task:    task,
				Mode:    mode,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s loop started on session %s\n", resp.Mode, resp.Session)
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "default", "chat scope")
	cmd.Flags().StringVar(&session, "session", "", "session id (default: the active session)")
	cmd.Flags().StringVar(&mode, "mode", "solo", "loop mode: solo, trio, or crossreview")
	return cmd
}

func cancelCmd() *cobra.Command {
	var chat, session string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the current run or loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Cancel(cmd.Context(), &control.CancelRequest{Chat: chat, Session: session})
			if err != nil {
				return err
			}
			if resp.Cancelled {
				fmt.Println("cancelled")
			} else {
				fmt.Println("nothing to cancel")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "default", "chat scope")
	cmd.Flags().StringVar(&session, "session", "", "session id (default: the active session)")
	return cmd
}

func statusCmd() *cobra.Command {
	var chat, session string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active session and any running work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status(cmd.Context(), &control.StatusRequest{Chat: chat, Session: session})
			if err != nil {
				return err
			}
			fmt.Printf("session %s (%s)\n", st.Name, st.Session)
			fmt.Printf("  dir:   %s\n", st.Dir)
			fmt.Printf("  agent: %s\n", st.Kind)
			fmt.Printf("  busy:  %v  queued: %d  pending questions: %d\n", st.Busy, st.QueueLen, st.Pending)
			if st.Loop != nil {
				fmt.Printf("  loop:  %s step %d (%s): %s\n", st.Loop.Mode, st.Loop.Step, st.Loop.Phase, st.Loop.Task)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "default", "chat scope")
	cmd.Flags().StringVar(&session, "session", "", "session id (default: the active session)")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var chat, session, name, dir string
	cmd := &cobra.Command{
		Use:   "sessions [list|create|select|remove|reset]",
		Short: "List and manage sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "list"
			if len(args) > 0 {
				action = args[0]
			}
			resp, err := client().Sessions(cmd.Context(), &control.SessionsRequest{
				Chat:    chat,
				Action:  action,
				Session: session,
				Name:    name,
				Dir:     dir,
			})
			if err != nil {
				return err
			}
			if len(resp.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range resp.Sessions {
				marker := " "
				if s.ID == resp.Active {
					marker = "*"
				}
				kind := s.Kind
				if kind == "" {
					kind = "-"
				}
				fmt.Printf("%s %s  %-20s %-8s %s\n", marker, s.ID, s.Name, kind, s.Dir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "default", "chat scope")
	cmd.Flags().StringVar(&session, "session", "", "session id for select, remove, and reset")
	cmd.Flags().StringVar(&name, "name", "", "session name for create")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for create")
	return cmd
}

func answerCmd() *cobra.Command {
	var chat string
	cmd := &cobra.Command{
		Use:   "answer <text>",
		Short: "Answer a pending agent question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Answer(cmd.Context(), &control.AnswerRequest{Chat: chat, Text: args[0]})
			if err != nil {
				return err
			}
			if resp.PendingQuestions > 0 {
				fmt.Printf("answered, %d question(s) remaining\n", resp.PendingQuestions)
				return nil
			}
			fmt.Printf("answers sent, run %s\n", resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "default", "chat scope")
	return cmd
}

func watchCmd() *cobra.Command {
	var after uint64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream engine events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := client().Watch(cmd.Context(), &control.WatchRequest{AfterSeq: after})
			if err != nil {
				return err
			}
			defer stream.Close()
			for stream.Receive() {
				printEvent(stream.Msg())
			}
			err = stream.Err()
			if err == nil || errors.Is(err, context.Canceled) || connect.CodeOf(err) == connect.CodeCanceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "replay buffered events after this sequence number")
	return cmd
}

func printEvent(ev *control.Event) {
	stamp := ev.Time.Format("15:04:05")
	if ev.Type == string(noticeEvent) {
		var n struct {
			Chat string `json:"chat"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Data, &n); err == nil {
			for _, line := range strings.Split(n.Text, "\n") {
				fmt.Printf("%s [%s] %s\n", stamp, n.Chat, line)
			}
			return
		}
	}
	fmt.Printf("%s %-5s %-22s %s\n", stamp, ev.Level, ev.Type, string(ev.Data))
}
