package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the identity of --user and store it sealed",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			if err := appCtx.InitUser(cmd.Context(), u); err != nil {
				return err
			}
			fp, err := appCtx.Fingerprint(cmd.Context(), u)
			if err != nil {
				return err
			}
			fmt.Printf("Identity ready.\nFingerprint: %s\n", fp)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint of --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			fp, err := appCtx.Fingerprint(cmd.Context(), u)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish the credential and key packages of --user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			token, err := appCtx.RegisterUser(cmd.Context(), u)
			if err != nil {
				return err
			}
			fmt.Printf("Registered with the delivery service (token %s)\n", token)
			return nil
		},
	}
}
