package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"e2ee/internal/domain"
)

func initCmd() *cobra.Command {
	var user, device string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys, save the profile and publish to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, fp, err := appCtx.Init(cmd.Context(), domain.UserID(user), domain.DeviceID(device))
			if p.User != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Identity created for %s.\nFingerprint: %s\n", p.Address(), fp)
			}
			if err != nil {
				return err
			}
			if p.DirectoryURL != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Keys published to", p.DirectoryURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "your user name")
	cmd.Flags().StringVar(&device, "device", "", "this device's id (default: generated)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
