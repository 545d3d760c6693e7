package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted secrets",
}

var secretSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().SetSecret(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' stored\n", args[0])
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a secret value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := apiClient().GetSecret(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := apiClient().ListSecrets(context.Background())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var secretRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().RemoveSecret(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' removed\n", args[0])
		return nil
	},
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate NAME [NEW_VALUE]",
	Short: "Re-encrypt a secret, optionally with a new value",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		newValue := ""
		if len(args) == 2 {
			newValue = args[1]
		}
		if err := apiClient().RotateSecret(context.Background(), args[0], newValue); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' rotated\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretRemoveCmd)
	secretCmd.AddCommand(secretRotateCmd)
}
