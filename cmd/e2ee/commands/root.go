package commands

import (
	"os"

	"github.com/spf13/cobra"

	"e2ee/internal/app"
	"e2ee/internal/logging"
)

// passphraseEnv is read when -p is not given.
const passphraseEnv = "E2EE_PASSPHRASE"

var (
	home         string
	passphrase   string
	directoryURL string
	logLevel     string
	logFormat    string

	appCtx *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:          "e2ee",
		Short:        "End-to-end encryption keys and sessions for multi-device messaging",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Setup(logLevel, logFormat); err != nil {
				return err
			}
			if !needsWire(cmd) {
				return nil
			}
			if home == "" {
				dir, err := app.DefaultHome()
				if err != nil {
					return err
				}
				home = dir
			}
			if passphrase == "" {
				passphrase = os.Getenv(passphraseEnv)
			}

			cfg := app.DefaultConfig()
			cfg.Home = home
			cfg.Passphrase = passphrase
			cfg.DirectoryURL = directoryURL
			cfg.LogLevel = logLevel
			cfg.LogFormat = logFormat

			w, err := app.NewWire(cfg)
			if err != nil {
				return err
			}
			appCtx = w
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx == nil {
				return nil
			}
			return appCtx.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.e2ee)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting keys and sessions (or $"+passphraseEnv+")")
	root.PersistentFlags().StringVar(&directoryURL, "directory", "", "key directory base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		publishCmd(),
		rotateCmd(),
		replenishCmd(),
		maintainCmd(),
		encryptCmd(),
		decryptCmd(),
		resetSessionCmd(),
	)
	return root.Execute()
}

// needsWire is false for cobra's own help and completion commands.
func needsWire(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion":
			return false
		}
	}
	return true
}
