package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [group-id...]",
		Short: "Fetch and apply group events; no ids syncs every group",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			ids := make([]domain.GroupID, 0, len(args))
			for _, a := range args {
				ids = append(ids, domain.GroupID(a))
			}
			if err := appCtx.SyncState(cmd.Context(), u, ids); err != nil {
				return err
			}
			fmt.Println("synced")
			return nil
		},
	}
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <group-id>",
		Short: "Drop buffered events of a group and replay its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			id := domain.GroupID(args[0])
			if err := appCtx.Resync(cmd.Context(), u, id); err != nil {
				return err
			}
			fmt.Println(appCtx.Status(u, id))
			return nil
		},
	}
}

// handle [event]: apply one base64 event, read from stdin when omitted.
func handleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handle [event]",
		Short: "Apply a single base64-encoded event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			var in string
			if len(args) == 1 {
				in = args[0]
			} else {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				in = string(b)
			}
			raw, err := crypto.UnB64(strings.TrimSpace(in))
			if err != nil {
				return fmt.Errorf("%w: event is not base64", domain.ErrDecode)
			}
			return appCtx.HandleEvent(cmd.Context(), u, raw)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <group-id>",
		Short: "Print a group's epoch, members and sync state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			id := domain.GroupID(args[0])
			fmt.Println(appCtx.Status(u, id))
			return printEpoch(cmd, u, id)
		},
	}
}
