package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smartbell/doorcall/internal/callctrl"
	"github.com/smartbell/doorcall/internal/config"
	"github.com/smartbell/doorcall/internal/negotiation"
	"github.com/smartbell/doorcall/internal/notify"
	"github.com/smartbell/doorcall/internal/transport"
)

func newAnswerCmd() *cobra.Command {
	var (
		flagRelayURL string
		flagToken    string
		flagPayload  string
		flagAccept   bool
	)

	cmd := &cobra.Command{
		Use:   "answer [camera-code]",
		Short: "Answer an incoming doorbell call",
		Long: `Answer rings for a camera and, on accept, negotiates the call in the
answerer role.

The call indication is either a camera code argument or a push payload:

  doorcall answer cam123
  doorcall answer --payload '{"type":"call","cameraCode":"cam123"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := callFromArgs(args, flagPayload)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(flagRelayURL)
			if err != nil {
				return err
			}
			return runAnswer(cfg, call, flagToken, flagAccept)
		},
	}

	cmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "relay websocket URL")
	cmd.Flags().StringVar(&flagToken, "token", "", "join token presented to the relay")
	cmd.Flags().StringVar(&flagPayload, "payload", "", "push payload JSON carrying the call indication")
	cmd.Flags().BoolVar(&flagAccept, "accept", true, "accept the call immediately instead of letting it ring out")

	return cmd
}

func callFromArgs(args []string, payload string) (notify.Call, error) {
	if payload != "" {
		return notify.ParseCall([]byte(payload))
	}
	if len(args) == 1 && args[0] != "" {
		return notify.Call{Type: "call", CameraCode: args[0]}, nil
	}
	return notify.Call{}, fmt.Errorf("a camera code or --payload is required")
}

func runAnswer(cfg config.Config, call notify.Call, token string, accept bool) error {
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.ReconnectTimeout)
	defer cancel()
	ch, err := transport.DialWithRetry(dialCtx, cfg.RelayURL, transport.Options{
		Log:             logger,
		Token:           token,
		PingInterval:    cfg.PingInterval,
		IdleTimeout:     cfg.IdleTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	factory, err := negotiation.NewPionFactory(negotiation.Options{
		Log:        logger,
		ICEServers: cfg.ICEServers(),
		Media:      negotiation.NewStaticSource(),
	})
	if err != nil {
		return err
	}

	ctrl, err := callctrl.New(callctrl.Options{
		Log:                 logger,
		Channel:             ch,
		Factory:             factory,
		RingTimeout:         cfg.RingTimeout,
		ResetSettleDelay:    cfg.ResetSettleDelay,
		MaxResets:           cfg.MaxResets,
		NegotiationTimeout:  cfg.NegotiationTimeout,
		MediaAcquireTimeout: cfg.MediaAcquireTimeout,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctrl.HandleIncomingCall(call)
	if accept {
		ctrl.Accept()
	}

	for {
		select {
		case status := <-ctrl.Status():
			printStatus(status)
			if status.State == callctrl.StateEnded {
				if status.Failure != nil {
					return fmt.Errorf("call failed: %w", status.Failure)
				}
				return nil
			}
		case <-sigCh:
			fmt.Println("hanging up")
			ctrl.HangUp()
		}
	}
}

func printStatus(status callctrl.Status) {
	if status.Detail != "" {
		fmt.Printf("[%s] %s\n", status.State, status.Detail)
		return
	}
	fmt.Printf("[%s]\n", status.State)
}
