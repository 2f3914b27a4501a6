package main

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rental-realtime/internal/event"
	"github.com/dgnsrekt/rental-realtime/internal/realtime"
	"github.com/dgnsrekt/rental-realtime/internal/typing"
)

// tailLine is one line of tail output.
type tailLine struct {
	Kind    string            `json:"kind"`
	Event   *event.Event      `json:"event,omitempty"`
	Typing  *typing.State     `json:"typing,omitempty"`
	Receipt *realtime.Receipt `json:"receipt,omitempty"`
	Status  *realtime.Status  `json:"status,omitempty"`
}

func tailCmd() *cobra.Command {
	var (
		conversations []string
		notifications bool
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print real-time events as JSON lines",
		Long: `Subscribe to conversations and/or your notification channel and print
every delivered event, typing change, read receipt and connection state
change as one JSON object per line.

Examples:
  # Follow two conversations
  rtclient tail --conversation 42 --conversation 43

  # Follow notifications and expose metrics
  rtclient tail --notifications --metrics-addr :9102`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(conversations) == 0 && !notifications {
				return cmd.Help()
			}

			var reg *prometheus.Registry
			if metricsAddr != "" {
				reg = prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector())
				serveMetrics(ctx, metricsAddr, reg)
			}

			var registerer prometheus.Registerer
			if reg != nil {
				registerer = reg
			}
			s, err := openSession(registerer)
			if err != nil {
				return err
			}
			defer s.Close()

			var mu sync.Mutex
			enc := json.NewEncoder(os.Stdout)
			emit := func(l tailLine) {
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(l); err != nil {
					logger.Warn("write failed", zap.Error(err))
				}
			}

			s.OnStateChange(func(st realtime.Status) {
				emit(tailLine{Kind: "state", Status: &st})
			})

			handlers := realtime.Handlers{
				OnMessage:      func(e event.Event) { emit(tailLine{Kind: string(e.Kind), Event: &e}) },
				OnNotification: func(e event.Event) { emit(tailLine{Kind: string(e.Kind), Event: &e}) },
				OnTyping:       func(st typing.State) { emit(tailLine{Kind: "typing", Typing: &st}) },
				OnReadReceipt:  func(r realtime.Receipt) { emit(tailLine{Kind: "read_receipt", Receipt: &r}) },
			}

			for _, conv := range conversations {
				if _, err := s.Subscribe(event.ScopeConversation, conv, handlers); err != nil {
					return err
				}
			}
			if notifications {
				if _, err := s.Subscribe(event.ScopeUser, cfg.API.UserID, handlers); err != nil {
					return err
				}
			}

			logger.Info("tailing",
				zap.Strings("conversations", conversations),
				zap.Bool("notifications", notifications),
			)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "conversation id to follow (repeatable)")
	cmd.Flags().BoolVar(&notifications, "notifications", false, "follow your notification channel")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
