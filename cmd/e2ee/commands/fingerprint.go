package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := appCtx.Profile()
			if err != nil {
				return err
			}
			fp, err := appCtx.Keys.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nFingerprint: %s\n", p.Address(), fp)
			return nil
		},
	}
}
