package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// maintainCmd keeps rotating and replenishing keys until interrupted.
func maintainCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run key rotation, pre-key replenishment and session pruning",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := appCtx.Rotator()
			if err != nil {
				return err
			}
			if once {
				return r.Tick(cmd.Context())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single maintenance pass and exit")
	return cmd
}
