package main

import (
	"fmt"

	"github.com/spf13/cobra"

	crm "github.com/kevinderitis/crm-front-v2"
)

var (
	usersJSON     bool
	usersName     string
	usersRole     string
	usersPassword string
)

func init() {
	usersListCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	usersCreateCmd.Flags().StringVar(&usersName, "name", "", "Full name")
	usersCreateCmd.Flags().StringVar(&usersRole, "role", string(crm.RoleAgent), "Role: admin or agent")
	usersCreateCmd.Flags().StringVar(&usersPassword, "password", "", "Initial password (read from stdin when omitted)")

	usersCmd.AddCommand(usersListCmd, usersCreateCmd)
	metaCmd.AddCommand(metaShowCmd, metaSetCmd)
	rootCmd.AddCommand(usersCmd, metaCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage CRM users",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		users, err := a.api.Users.List(ctx)
		if err != nil {
			return err
		}
		if usersJSON {
			return printJSON(users)
		}
		for _, u := range users {
			fmt.Printf("%-24s  %-6s  %-28s  %s\n", u.ID, u.Role, u.Email, u.FullName)
		}
		return nil
	},
}

var usersCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := crm.Role(usersRole)
		if role != crm.RoleAdmin && role != crm.RoleAgent {
			return fmt.Errorf("unknown role %q (use admin or agent)", usersRole)
		}

		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		password, err := readPassword(usersPassword)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		user, err := a.api.Users.Create(ctx, &crm.NewUser{
			Email:    args[0],
			Password: password,
			FullName: usersName,
			Role:     role,
		})
		if err != nil {
			return err
		}
		fmt.Printf("User %s created (id %s, role %s).\n", user.Email, user.ID, user.Role)
		return nil
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Inspect or change the Meta page connection",
}

var metaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the Meta page connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		mc, err := a.api.Meta.Config(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Fanpage:      %s\n", valueOrDefault(mc.FanpageID, "(not set)"))
		fmt.Printf("  Webhook URL:  %s\n", valueOrDefault(mc.WebhookURL, "(not set)"))
		fmt.Printf("  Access token: %s\n", maskKey(mc.AccessToken))
		return nil
	},
}

var metaSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a Meta field (access_token, fanpage_id, webhook_url)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		mc, err := a.api.Meta.Config(ctx)
		if err != nil {
			return err
		}
		if err := setMetaValue(mc, args[0], args[1]); err != nil {
			return err
		}
		if _, err := a.api.Meta.UpdateConfig(ctx, mc); err != nil {
			return err
		}
		fmt.Printf("Meta %s updated.\n", args[0])
		return nil
	},
}

func setMetaValue(mc *crm.MetaConfig, key, value string) error {
	switch key {
	case "access_token":
		mc.AccessToken = value
	case "fanpage_id":
		mc.FanpageID = value
	case "webhook_url":
		mc.WebhookURL = value
	default:
		return fmt.Errorf("unknown meta key %q (use access_token, fanpage_id or webhook_url)", key)
	}
	return nil
}
