package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"e2ee/internal/domain"
	"e2ee/internal/wire"
)

// parseRecipient accepts "user/device" or a bare "user".
func parseRecipient(s string) (domain.Address, error) {
	user, device, found := strings.Cut(s, "/")
	if user == "" || (found && device == "") || strings.Contains(device, "/") {
		return domain.Address{}, fmt.Errorf("bad recipient %q (want user or user/device)", s)
	}
	return domain.Address{User: domain.UserID(user), Device: domain.DeviceID(device)}, nil
}

// encrypt --to <user[/device]>... <message>: print one token per recipient device.
func encryptCmd() *cobra.Command {
	var to []string
	cmd := &cobra.Command{
		Use:   "encrypt --to <user[/device]>... <message>",
		Short: "Encrypt a message for every recipient device and print the envelopes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := appCtx.Messages()
			if err != nil {
				return err
			}

			var (
				devices []domain.Address
				users   []domain.UserID
			)
			for _, s := range to {
				a, err := parseRecipient(s)
				if err != nil {
					return err
				}
				if a.Device == "" {
					users = append(users, a.User)
				} else {
					devices = append(devices, a)
				}
			}
			if len(users) > 0 {
				resolved, err := msgs.ResolveRecipients(cmd.Context(), users)
				if err != nil {
					return err
				}
				devices = append(devices, resolved...)
			}
			if len(devices) == 0 {
				return fmt.Errorf("no recipient devices")
			}

			failed := 0
			out := cmd.OutOrStdout()
			for _, r := range msgs.EncryptForRecipients(cmd.Context(), []byte(args[0]), devices) {
				if !r.OK() {
					failed++
					fmt.Fprintf(out, "%s\terror: %v\n", r.Recipient, r.Err)
					continue
				}
				tok, err := wire.EncodeToken(*r.Envelope)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", r.Recipient, tok)
			}
			if failed == len(devices) {
				return fmt.Errorf("encryption failed for every recipient")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient user or user/device (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// decrypt --from <user/device> <token>: open one envelope.
func decryptCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "decrypt --from <user/device> <token>",
		Short: "Decrypt an envelope token from a sender device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sender, err := parseRecipient(from)
			if err != nil || sender.Device == "" {
				return fmt.Errorf("--from needs user/device")
			}
			env, err := wire.DecodeToken(args[0])
			if err != nil {
				return err
			}
			msgs, err := appCtx.Messages()
			if err != nil {
				return err
			}
			pt, err := msgs.DecryptIncoming(cmd.Context(), env, sender.User, sender.Device)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", sender, pt)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender user/device")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func resetSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <user/device>",
		Short: "Forget the session with a peer device; the next message starts a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parseRecipient(args[0])
			if err != nil || peer.Device == "" {
				return fmt.Errorf("need user/device, got %q", args[0])
			}
			ok, err := appCtx.Sessions.HasSession(peer)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", peer, domain.ErrNoSession)
			}
			if err := appCtx.Sessions.DeleteSession(cmd.Context(), peer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session with %s removed\n", peer)
			return nil
		},
	}
}
