package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/realtime"
)

func typingCmd() *cobra.Command {
	var (
		stop    bool
		connect time.Duration
	)

	cmd := &cobra.Command{
		Use:   "typing CONVERSATION_ID",
		Short: "Send a typing signal to a conversation",
		Long: `Send typing=true (or typing=false with --stop) to a conversation.

The signal uses the relay socket when the streaming tier comes up within
--connect-timeout, otherwise the direct request path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conv := args[0]

			s, err := openSession(nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.Subscribe(event.ScopeConversation, conv, realtime.Handlers{}); err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, connect)
			if err := waitLive(waitCtx, s); err != nil {
				logger.Debug("not live, using direct send", zap.Error(err))
			}
			cancel()

			if err := s.SendTyping(ctx, conv, !stop); err != nil {
				return err
			}
			fmt.Printf("typing=%t sent to %s via %s\n", !stop, conv, s.ConnectionState().Tier)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stop, "stop", false, "send typing=false")
	cmd.Flags().DurationVar(&connect, "connect-timeout", 5*time.Second, "how long to wait for a live connection")
	return cmd
}

func markReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark-read MESSAGE_ID...",
		Short: "Mark messages as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openSession(nil)
			if err != nil {
				return err
			}
			defer s.Close()

			var failed int
			for _, id := range args {
				if err := s.MarkRead(ctx, id); err != nil {
					logger.Error("mark read failed", zap.String("messageID", id), zap.Error(err))
					failed++
					continue
				}
				fmt.Printf("marked %s\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d messages not marked", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}
