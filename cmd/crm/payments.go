package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	crm "github.com/kevinderitis/crm-front-v2"
)

var (
	paymentsJSON    bool
	paymentsPending bool
	approveAmount   float64
	approveBonus    float64
)

func init() {
	paymentsListCmd.Flags().BoolVar(&paymentsJSON, "json", false, "Output raw JSON")
	paymentsListCmd.Flags().BoolVar(&paymentsPending, "pending", false, "Only pending payments")
	paymentsApproveCmd.Flags().Float64Var(&approveAmount, "amount", 0, "Credited amount (defaults to the received amount)")
	paymentsApproveCmd.Flags().Float64Var(&approveBonus, "bonus", 0, "Bonus to add on top of the amount")

	paymentsCmd.AddCommand(paymentsListCmd, paymentsApproveCmd, paymentsRejectCmd)
	rootCmd.AddCommand(paymentsCmd)
}

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Review customer payments",
}

func paymentBoard(a *app, pendingOnly bool) *crm.PaymentBoard {
	mode := crm.ListView
	if pendingOnly {
		mode = crm.DashboardView
	}
	return crm.NewPaymentBoard(a.api.Payments, mode, a.logger)
}

var paymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List payments",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		board := paymentBoard(a, paymentsPending)
		if err := board.Load(ctx); err != nil {
			return err
		}
		payments := board.Payments()

		if paymentsJSON {
			return printJSON(payments)
		}
		if len(payments) == 0 {
			fmt.Println("No payments.")
			return nil
		}
		for _, p := range payments {
			fmt.Printf("%-24s  %-20s  %10.2f  bonus:%-8s  %-9s  %s\n",
				p.ID, p.CustomerName, p.Amount, amount(p.Bonus), p.Status, p.Date)
		}
		return nil
	},
}

var paymentsApproveCmd = &cobra.Command{
	Use:   "approve <payment-id>",
	Short: "Approve a pending payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		var approval *crm.PaymentApproval
		if cmd.Flags().Changed("amount") || cmd.Flags().Changed("bonus") {
			approval = &crm.PaymentApproval{Amount: approveAmount, Bonus: approveBonus}
		}
		board := paymentBoard(a, true)
		if err := board.Approve(ctx, args[0], approval); err != nil {
			return err
		}
		fmt.Printf("Payment %s approved.\n", args[0])
		return nil
	},
}

var paymentsRejectCmd = &cobra.Command{
	Use:   "reject <payment-id>",
	Short: "Reject a pending payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		if err := paymentBoard(a, true).Reject(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Payment %s rejected.\n", args[0])
		return nil
	},
}

func parseAmount(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return &v, nil
}
