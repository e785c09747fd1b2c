package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Upload identity, signed pre-key and one-time pre-keys to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCtx.Publish(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Keys published")
			return nil
		},
	}
}

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the signed pre-key now",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := appCtx.Publisher()
			if err != nil {
				return err
			}
			spk, err := pub.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed pre-key %d published\n", spk.ID)
			return nil
		},
	}
}

func replenishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replenish",
		Short: "Top up one-time pre-keys on the directory if they run low",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := appCtx.Publisher()
			if err != nil {
				return err
			}
			n, err := pub.Replenish(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d one-time pre-keys uploaded\n", n)
			return nil
		},
	}
}
