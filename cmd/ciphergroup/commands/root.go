package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ciphergroup/internal/app"
	"ciphergroup/internal/domain"
)

var (
	home       string
	passphrase string
	relayURL   string
	username   string
	logLevel   string

	wire   *app.Wire
	appCtx *app.App
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "ciphergroup",
		Short:         "End-to-end encrypted group messaging client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			if home != "" {
				cfg.Home = home
			}
			if passphrase != "" {
				cfg.Passphrase = passphrase
			}
			if relayURL != "" {
				cfg.BaseURL = relayURL
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if cfg.Passphrase == "" {
				return fmt.Errorf("passphrase required (-p or CIPHERGROUP_PASSPHRASE)")
			}

			wire, err = app.NewWire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			appCtx = app.New(wire)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			return wire.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.ciphergroup)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing the local store")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "delivery service base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVarP(&username, "user", "u", "", "local user to act as")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		initCmd(), fingerprintCmd(), registerCmd(),
		createGroupCmd(), isGroupCmd(), canAddCmd(), addCmd(), removeCmd(), leaveCmd(),
		syncCmd(), resyncCmd(), handleCmd(), statusCmd(),
		encryptCmd(), decryptCmd(),
	)
	return root.ExecuteContext(ctx)
}

func user() (domain.UserID, error) {
	if username == "" {
		return "", fmt.Errorf("--user required")
	}
	return domain.UserID(username), nil
}
