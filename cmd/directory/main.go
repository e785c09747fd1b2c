// Command directory serves the public key directory over HTTP, keeping all
// state in memory.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"e2ee/internal/directory"
	"e2ee/internal/logging"
)

func main() {
	var addr, logLevel, logFormat string
	cmd := &cobra.Command{
		Use:          "directory",
		Short:        "In-memory key directory server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Setup(logLevel, logFormat); err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)
			log := logging.For("directory")

			srv := &http.Server{
				Addr:              addr,
				Handler:           directory.NewServer(directory.NewMemory()),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			log.WithField("addr", addr).Info("directory listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("directory stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
