package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartbell/doorcall/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "doorcall",
		Short: "Answer and place doorbell calls through a doorcall relay",
		Long: `doorcall is the command-line client for the doorcall signaling relay.

A camera rings a room named after its camera code; a mobile client answers
the ring and the two negotiate a direct audio/video session.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newAnswerCmd())
	root.AddCommand(newRingCmd())

	if err := root.Execute(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(relayURL string) (config.Config, error) {
	args := []string{}
	if relayURL != "" {
		args = append(args, "-relay-url", relayURL)
	}
	return config.Load(args)
}
