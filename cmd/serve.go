package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/javi11/nntp-storage/config"
	"github.com/javi11/nntp-storage/nntpserver"
	"github.com/javi11/nntp-storage/telemetry"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured backend over NNTP",
		Long:  `Serve the configured backend over NNTP until interrupted. With server.metrics_address set, Prometheus metrics are served on /metrics as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, v.GetBool("read-only"), nil)
		},
	}
	c.Flags().String("address", "", WrapString("NNTP listen address, overrides server.address"))
	c.Flags().String("metrics-address", "", WrapString("Metrics listen address, overrides server.metrics_address"))
	c.Flags().Bool("read-only", false, WrapString("Refuse POST and IHAVE"))
	return c
}

// serve runs the NNTP server, and the metrics endpoint when configured,
// until ctx is done. ready, if set, is called with the NNTP address once
// the listener is up.
func serve(ctx context.Context, cfg *config.Config, readOnly bool, ready func(net.Addr)) error {
	logger := slog.Default().With("component", "serve")
	set := metrics.NewSet()

	b, err := openBackend(ctx, cfg, set)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("closing backend", "error", err)
		}
	}()

	srv := nntpserver.NewServer(b.Async(), nntpserver.Config{
		Address:  cfg.Server.Address,
		ReadOnly: readOnly,
	})
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("serving", "backend", cfg.Backend, "address", srv.Addr().String())
	if ready != nil {
		ready(srv.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Close()
	})

	if cfg.Server.MetricsAddress != "" {
		hs := &http.Server{
			Addr:              cfg.Server.MetricsAddress,
			Handler:           telemetry.Handler(set),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "address", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}
