package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smartbell/doorcall/internal/callsession"
	"github.com/smartbell/doorcall/internal/config"
	"github.com/smartbell/doorcall/internal/negotiation"
	"github.com/smartbell/doorcall/internal/signalmsg"
	"github.com/smartbell/doorcall/internal/transport"
)

func newRingCmd() *cobra.Command {
	var (
		flagRelayURL string
		flagToken    string
	)

	cmd := &cobra.Command{
		Use:   "ring <camera-code>",
		Short: "Ring as a camera and offer the call",
		Long: `Ring joins the camera's room in the offerer role and negotiates the call
once a mobile client answers. Intended for bench-testing a relay without
camera hardware:

  doorcall ring cam123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flagRelayURL)
			if err != nil {
				return err
			}
			return runRing(cfg, args[0], flagToken)
		},
	}

	cmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "relay websocket URL")
	cmd.Flags().StringVar(&flagToken, "token", "", "join token presented to the relay")

	return cmd
}

func runRing(cfg config.Config, cameraCode, token string) error {
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

	sess, err := callsession.New(callsession.Options{
		Log:                 logger,
		Channel:             ch,
		Factory:             factory,
		Offerer:             true,
		NegotiationTimeout:  cfg.NegotiationTimeout,
		MediaAcquireTimeout: cfg.MediaAcquireTimeout,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fmt.Printf("ringing %s, waiting for an answerer\n", cameraCode)
	sess.Start(cameraCode, signalmsg.RoleCamera)

	for {
		select {
		case change := <-sess.Changes():
			if change.Detail != "" {
				fmt.Printf("[%s] %s\n", change.State, change.Detail)
			} else {
				fmt.Printf("[%s]\n", change.State)
			}
			switch change.State {
			case callsession.StateEnded:
				return nil
			case callsession.StateError:
				return fmt.Errorf("call failed: %w", change.Failure)
			}
		case <-sigCh:
			fmt.Println("hanging up")
			sess.End()
		}
	}
}
