package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	crm "github.com/kevinderitis/crm-front-v2"
)

var (
	ticketsJSON       bool
	ticketsStatus     string
	ticketDescription string
	ticketRealAmount  string
)

func init() {
	ticketsListCmd.Flags().BoolVar(&ticketsJSON, "json", false, "Output raw JSON")
	ticketsListCmd.Flags().StringVar(&ticketsStatus, "status", "", "Only tickets with this status (open, completed, cancelled)")
	ticketsCreateCmd.Flags().StringVar(&ticketDescription, "description", "", "Ticket description")
	ticketsCompleteCmd.Flags().StringVar(&ticketRealAmount, "real-amount", "", "Amount actually paid out")

	ticketsCmd.AddCommand(ticketsListCmd, ticketsCreateCmd, ticketsCompleteCmd, ticketsCancelCmd)
	rootCmd.AddCommand(ticketsCmd)
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Manage support tickets",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets grouped by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := crm.TicketStatus(ticketsStatus)
		if ticketsStatus != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q (valid: open, completed, cancelled)", ticketsStatus)
		}

		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		board := crm.NewTicketBoard(a.api.Tickets, crm.ListView, a.logger)
		if err := board.Load(ctx); err != nil {
			return err
		}
		groups := board.ByStatus()

		if ticketsJSON {
			if status != "" {
				return printJSON(groups[status])
			}
			return printJSON(board.Tickets())
		}

		statuses := []crm.TicketStatus{crm.TicketOpen, crm.TicketCompleted, crm.TicketCancelled}
		if status != "" {
			statuses = []crm.TicketStatus{status}
		}
		for _, s := range statuses {
			fmt.Printf("%s (%d)\n", strings.ToUpper(string(s)), len(groups[s]))
			for _, t := range groups[s] {
				fmt.Printf("  %-24s  %s %s  %-30s  real:%s\n",
					t.ID, t.Date, t.Time, truncate(t.Subject, 30), amount(t.RealAmount))
			}
		}
		return nil
	},
}

var ticketsCreateCmd = &cobra.Command{
	Use:   "create <conversation-id> <subject>",
	Short: "Open a ticket for a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		board := crm.NewTicketBoard(a.api.Tickets, crm.ListView, a.logger)
		t, err := board.Create(ctx, args[0], strings.Join(args[1:], " "), ticketDescription)
		if err != nil {
			return err
		}
		fmt.Printf("Ticket %s created.\n", t.ID)
		return nil
	},
}

var ticketsCompleteCmd = &cobra.Command{
	Use:   "complete <ticket-id>",
	Short: "Mark a ticket completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		realAmount, err := parseAmount(ticketRealAmount)
		if err != nil {
			return err
		}

		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		var completion *crm.TicketCompletion
		if realAmount != nil {
			completion = &crm.TicketCompletion{RealAmount: realAmount}
		}
		board := crm.NewTicketBoard(a.api.Tickets, crm.DashboardView, a.logger)
		if err := board.Complete(ctx, args[0], completion); err != nil {
			return err
		}
		fmt.Printf("Ticket %s completed.\n", args[0])
		return nil
	},
}

var ticketsCancelCmd = &cobra.Command{
	Use:   "cancel <ticket-id>",
	Short: "Cancel a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		board := crm.NewTicketBoard(a.api.Tickets, crm.DashboardView, a.logger)
		if err := board.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Ticket %s cancelled.\n", args[0])
		return nil
	},
}
