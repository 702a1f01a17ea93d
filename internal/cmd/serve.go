package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/metrics"
	"github.com/forgeops/foreman/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the observability HTTP API and websocket stream",
	RunE:  runServe,
}

var (
	serveAddr           string
	serveStreamInterval time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().DurationVar(&serveStreamInterval, "stream-interval", 5*time.Second, "websocket snapshot push interval")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	aggregator, err := openAggregator()
	if err != nil {
		return err
	}
	controller, err := openController()
	if err != nil {
		return err
	}

	s := server.New(aggregator, controller, metrics.Default(), server.Config{
		Address:        serveAddr,
		StreamInterval: serveStreamInterval,
	}, log.L())

	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}

	log.L().Info("shutting down http server")
	return s.Shutdown(context.Background())
}
