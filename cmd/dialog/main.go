package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"key_enclave/internal/service/app"
	"key_enclave/internal/utils/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		authnPath string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:           "dialog <url>",
		Short:         "Terminal dialog window for the key custody enclave",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The TUI owns the terminal; logs go to stderr only when asked for.
			if logLevel != "" {
				if err := log.Init(log.Config{Level: logLevel}); err != nil {
					return err
				}
				defer log.Sync()
			}

			authn, err := app.OpenAuthenticator(authnPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			return app.NewApp().Run(ctx, args[0], authn)
		},
	}
	cmd.Flags().StringVar(&authnPath, "authenticator", defaultAuthenticatorPath(), "passkey authenticator file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "enable logging at this level")

	cmd.AddCommand(newPressCmd())
	return cmd
}

func newPressCmd() *cobra.Command {
	var enclaveURL string

	cmd := &cobra.Command{
		Use:   "press <affordance>",
		Short: "Activate an enclave affordance (unlock, confirm or backup)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.PressAffordance(cmd.Context(), enclaveURL, args[0])
		},
	}
	cmd.Flags().StringVar(&enclaveURL, "enclave", "http://localhost:9090", "enclave base URL")
	return cmd
}

func defaultAuthenticatorPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "authenticator.json"
	}
	return filepath.Join(dir, "key_enclave", "authenticator.json")
}

