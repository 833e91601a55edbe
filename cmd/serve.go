package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"busboard.dev/gtfs/metrics"
	"busboard.dev/gtfs/publisher"
	"busboard.dev/gtfs/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keeps feeds up to date and serves the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var listenAddr string

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.HTTP.Addr = listenAddr
	}

	var collector *metrics.Collector
	if cfg.HTTP.Metrics {
		collector = metrics.NewCollector()
	}

	m, err := buildManager(cfg, collector)
	if err != nil {
		return err
	}

	if cfg.NATS.URL != "" {
		p, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, collector)
		if err != nil {
			return err
		}
		defer p.Close()
		m.Publisher = p
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(m, collector)

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return m.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("listening")
		return srv.Listen(cfg.HTTP.Addr)
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		done := make(chan error, 1)
		go func() { done <- srv.Shutdown() }()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("timed out shutting down http server")
		}
	})

	err = p.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
