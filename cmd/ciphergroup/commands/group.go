package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"ciphergroup/internal/domain"
)

func createGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-group [group-id]",
		Short: "Create a group; without an id a random one is chosen",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			var id domain.GroupID
			if len(args) == 1 {
				id = domain.GroupID(args[0])
			}
			id, err = appCtx.CreateGroup(cmd.Context(), u, id)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func isGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "is-group <group-id>",
		Short: "Report whether --user holds state for a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			ok, err := appCtx.IsGroup(cmd.Context(), u, domain.GroupID(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func canAddCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "can-add <candidate>",
		Short: "Report whether a candidate has a usable key package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			candidate := domain.UserID(args[0])
			var ok bool
			if group == "" {
				ok, err = appCtx.CanAddMember(cmd.Context(), u, candidate)
			} else {
				ok, err = appCtx.CanAddToGroup(cmd.Context(), u, candidate, domain.GroupID(group))
			}
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "also check the candidate against this group")
	return cmd
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <group-id> <member>",
		Short: "Add a member to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			id := domain.GroupID(args[0])
			if err := appCtx.AddMember(cmd.Context(), u, domain.UserID(args[1]), id); err != nil {
				return err
			}
			return printEpoch(cmd, u, id)
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <group-id> <member>",
		Short: "Remove a member from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			id := domain.GroupID(args[0])
			if err := appCtx.RemoveMember(cmd.Context(), u, domain.UserID(args[1]), id); err != nil {
				return err
			}
			return printEpoch(cmd, u, id)
		},
	}
}

func leaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <group-id>",
		Short: "Leave a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := user()
			if err != nil {
				return err
			}
			if err := appCtx.LeaveGroup(cmd.Context(), u, domain.GroupID(args[0])); err != nil {
				return err
			}
			fmt.Println("left")
			return nil
		},
	}
}

func printEpoch(cmd *cobra.Command, u domain.UserID, id domain.GroupID) error {
	ep, err := appCtx.Epoch(cmd.Context(), u, id)
	if err != nil {
		return err
	}
	fmt.Printf("%s epoch %d:", id, ep.Number)
	for _, m := range ep.Members {
		fmt.Printf(" %s", m.Credential.UserID)
	}
	fmt.Println()
	return nil
}
