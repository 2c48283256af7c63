package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pulsefeed/pulse"
)

func newWatchCmd() *cobra.Command {
	var retryOnEnter bool

	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Consume an event feed and log its state transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(args[0], retryOnEnter)
		},
	}
	cmd.Flags().BoolVar(&retryOnEnter, "retry-on-enter", false,
		"while disconnected, pressing enter triggers a manual reconnect")
	return cmd
}

func watch(url string, retryOnEnter bool) error {
	client, err := pulse.NewClient(url,
		pulse.WithClientLogger(log.With().Str("component", "client").Logger()),
	)
	if err != nil {
		return err
	}
	defer client.Teardown()

	client.Store().OnChange(func(snap pulse.Snapshot) {
		ev := log.Info().Str("state", string(snap.State))
		if snap.LastMessage != nil {
			ev = ev.Str("message", snap.LastMessage.Message).
				Str("timestamp", snap.LastMessage.Timestamp)
		}
		if snap.LastError != nil {
			ev = ev.AnErr("last_error", snap.LastError)
		}
		ev.Msg("feed")

		if snap.CanRetry() && snap.Terminal {
			if retryOnEnter {
				log.Info().Msg("disconnected; press enter to retry")
			} else {
				log.Info().Msg("disconnected; rerun with --retry-on-enter to retry manually")
			}
		}
	})

	client.Connect()

	if retryOnEnter {
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if client.Store().Snapshot().CanRetry() {
					client.Reconnect()
				}
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
