package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pulsefeed/pulse"
	"github.com/pulsefeed/pulse/admin"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the event feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Duration("data-interval", pulse.DefaultDataInterval, "cadence of periodic data frames")
	cmd.Flags().Duration("heartbeat-interval", pulse.DefaultHeartbeatInterval, "cadence of keepalive heartbeats")
	cmd.Flags().String("cors-origin", "*", "Access-Control-Allow-Origin value (empty disables the header)")
	_ = viper.BindPFlags(cmd.Flags())

	return cmd
}

func serve() error {
	emitter, err := pulse.NewEmitter(
		pulse.WithDataInterval(viper.GetDuration("data-interval")),
		pulse.WithHeartbeatInterval(viper.GetDuration("heartbeat-interval")),
		pulse.WithCORSAllowOrigin(viper.GetString("cors-origin")),
		pulse.WithLogger(log.With().Str("component", "emitter").Logger()),
	)
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Handle("/stream", emitter)
	r.PathPrefix("/admin/").Handler(admin.Handler(emitter))
	r.Handle("/metrics", promhttp.Handler())

	addr := viper.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving event feed")
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		emitter.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
