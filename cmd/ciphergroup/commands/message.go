package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"ciphergroup/internal/domain"
)

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <group-id> <message>",
		Short: "Encrypt a message for a group and print it as base64",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			ct, err := appCtx.Encrypt(cmd.Context(), u, args[1], domain.GroupID(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(ct)
			return nil
		},
	}
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <group-id> <sender> <ciphertext>",
		Short: "Decrypt a group message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			pt, err := appCtx.Decrypt(cmd.Context(), u, args[2], domain.UserID(args[1]), domain.GroupID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s\n", args[1], pt)
			return nil
		},
	}
}
