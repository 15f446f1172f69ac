package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/repository"
	"chatrelay-backend/internal/services"
)

const cliSessionID = "cli"

func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [message]",
		Short: "Relay a message from the terminal; without a message, read lines until EOF",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The terminal conversation lives only for this process.
			cfg.TranscriptStore = config.StoreMemory
			if err := cfg.Validate(); err != nil {
				return err
			}

			upstream, closeUpstream, err := newUpstream(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeUpstream()

			relay := services.NewRelayService(repository.NewMemoryTranscriptRepo(), upstream, services.RelayOptions{
				SystemPrompt:          cfg.SystemPrompt,
				RecordFallbackReplies: cfg.RecordFallbackReplies,
				ConcurrentRequests:    1,
			QueueTimeout:          cfg.UpstreamQueueTimeout,
			UpstreamTimeout:       cfg.UpstreamTimeout,
			})

			if len(args) == 1 {
				return askOnce(cmd.Context(), relay, args[0], cmd.OutOrStdout())
			}
			return askLoop(cmd.Context(), relay, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

type relayer interface {
	Relay(ctx context.Context, sessionID, userText string) services.RelayResult
}

func askOnce(ctx context.Context, relay relayer, text string, out io.Writer) error {
	res := relay.Relay(ctx, cliSessionID, text)
	_, err := fmt.Fprintln(out, res.Reply)
	return err
}

// askLoop keeps one conversation going across lines read from in.
func askLoop(ctx context.Context, relay relayer, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		if _, err := fmt.Fprint(out, "> "); err != nil {
			return err
		}
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := askOnce(ctx, relay, line, out); err != nil {
			return err
		}
	}
}
