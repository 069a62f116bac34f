package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ostavnaas/kjeller/internal/config"
	"github.com/ostavnaas/kjeller/internal/controller"
	"github.com/ostavnaas/kjeller/internal/logging"
	"github.com/ostavnaas/kjeller/internal/metrics"
	"github.com/ostavnaas/kjeller/internal/store"
	"github.com/ostavnaas/kjeller/internal/uiapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgFile string
	var addr string

	rootCmd := &cobra.Command{
		Use:           "kjellerd",
		Short:         "kjeller heating daemon with status API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A bad config at startup is fatal; later reloads only skip ticks.
			cfg, closer, err := logging.Configure(cfgFile)
			defer closer.Close()
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Global.HTTPAddr
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.NewProcess(reg)

			opts := controller.Options{
				Clients: controller.DefaultClients(),
				Metrics: m,
				Board:   controller.NewBoard(),
			}

			var history uiapi.History
			if cfg.Global.Database != "" {
				st, err := store.NewStore(cfg.Global.Database)
				if err != nil {
					return fmt.Errorf("opening database: %w", err)
				}
				defer st.Close()
				opts.Store = st
				history = st
			}

			ctrl := controller.New(config.File{Path: cfgFile}, opts)
			defer ctrl.Close()

			srv := &http.Server{
				Addr:              addr,
				Handler:           uiapi.NewServer(opts.Board, history, m.Handler(), version).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("status API listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			loopDone := make(chan struct{})
			go func() {
				defer close(loopDone)
				log.Info().Str("config", cfgFile).Int("rooms", len(cfg.Rooms)).Msg("starting control loop")
				ctrl.Run(ctx)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					stop()
					<-loopDone
					return fmt.Errorf("status API: %w", err)
				}
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("status API shutdown")
			}
			<-loopDone
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "status API listen address (default from config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
