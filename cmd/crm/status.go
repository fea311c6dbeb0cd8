package main

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	crm "github.com/kevinderitis/crm-front-v2"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Long:  "Display the current configuration, check whether the session token has expired, and fetch live counters.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  API URL:     %s\n", valueOrDefault(cfg.Default.APIURL, "(not set)"))
		fmt.Printf("  WS URL:      %s\n", valueOrDefault(cfg.Default.WSURL, "(same as API URL)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Log.Level, "warn"))
		if cfg.Log.Path != "" {
			fmt.Printf("  Log file:    %s\n", cfg.Log.Path)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserName != "" {
			fmt.Printf("  User:        %s (%s)\n", cfg.Auth.UserName, valueOrDefault(cfg.Auth.Role, "agent"))
			fmt.Printf("  User ID:     %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User:        (not logged in)")
		}

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if exp, ok := crm.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry)"
			}
			tokenStatus = maskKey(cfg.Auth.Token) + " " + tokenStatus
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Default.APIURL == "" || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		a, err := newApp()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}

		ctx, cancel := commandContext()
		defer cancel()

		convs, err := a.api.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := lo.SumBy(convs, func(c crm.Conversation) int { return c.UnreadCount })
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)

		if payments, err := a.api.Payments.List(ctx); err == nil {
			pending := lo.CountBy(payments, func(p crm.Payment) bool { return p.Status == crm.PaymentPending })
			fmt.Printf("  Pending payments: %d\n", pending)
		}
		if tickets, err := a.api.Tickets.List(ctx); err == nil {
			open := lo.CountBy(tickets, func(t crm.Ticket) bool { return t.Status == crm.TicketOpen })
			fmt.Printf("  Open tickets:     %d\n", open)
		}
		return nil
	},
}
