package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/overhaulhq/shopsync/internal/auth"
	"github.com/overhaulhq/shopsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	userAddPassword string
	userAddRole     string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

func init() {
	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(userCmd)
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user account",
	Long:  "Create a user account with the given username. Reads the password from stdin when --password is not set.",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

func init() {
	userAddCmd.Flags().StringVar(&userAddPassword, "password", "",
		"Password for the new account (prompted when omitted)")
	userAddCmd.Flags().StringVar(&userAddRole, "role", "user",
		"Role: user, admin, superadmin")
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(args[0])
	ctx := context.Background()

	role := types.Role(userAddRole)
	if !types.ValidRole(role) {
		return fmt.Errorf("unknown role %q", userAddRole)
	}

	password := userAddPassword
	if password == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		reader := bufio.NewReader(cmd.InOrStdin())
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	user, err := st.CreateUser(ctx, username, hash, role)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created user %q (%s) id %s\n", user.Username, user.Role, user.ID)
	return nil
}
