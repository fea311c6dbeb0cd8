package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	crm "github.com/kevinderitis/crm-front-v2"
)

var (
	reportStart string
	reportEnd   string
	reportJSON  bool
)

func init() {
	for _, c := range []*cobra.Command{reportsSalesCmd, reportsPrizesCmd} {
		c.Flags().StringVar(&reportStart, "start", "", "First day, YYYY-MM-DD (default: 30 days ago)")
		c.Flags().StringVar(&reportEnd, "end", "", "Last day, YYYY-MM-DD (default: today)")
		c.Flags().BoolVar(&reportJSON, "json", false, "Output raw JSON")
	}
	reportsCmd.AddCommand(reportsSalesCmd, reportsPrizesCmd)
	rootCmd.AddCommand(reportsCmd)
}

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Sales and prize reports (admin)",
}

// reportRange validates the --start/--end flags and fills in defaults.
func reportRange(now time.Time) (string, string, error) {
	start, end := reportStart, reportEnd
	if end == "" {
		end = now.Format(time.DateOnly)
	}
	if start == "" {
		start = now.AddDate(0, 0, -30).Format(time.DateOnly)
	}
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return "", "", fmt.Errorf("invalid --start %q: %w", start, err)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return "", "", fmt.Errorf("invalid --end %q: %w", end, err)
	}
	if e.Before(s) {
		return "", "", fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return start, end, nil
}

var reportsSalesCmd = &cobra.Command{
	Use:   "sales",
	Short: "Daily sales",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := reportRange(time.Now())
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

		rows, err := a.api.Reports.Sales(ctx, start, end)
		if err != nil {
			return err
		}
		if reportJSON {
			return printJSON(rows)
		}
		fmt.Printf("%-10s  %6s  %7s  %12s  %10s  %10s  %12s\n", "DATE", "USERS", "TICKETS", "NET", "BONUSES", "PRIZES", "TOTAL")
		for _, r := range rows {
			fmt.Printf("%-10s  %6d  %7d  %12.2f  %10.2f  %10.2f  %12.2f\n",
				r.Date, r.NewUsers, r.TicketCount, r.NetSales, r.Bonuses, r.Prizes, r.TotalSales)
		}
		totals := crm.SummarizeReports(rows, nil)
		fmt.Printf("\nNet sales %.2f, bonuses %.2f\n", totals.NetSales, totals.Bonuses)
		return nil
	},
}

var reportsPrizesCmd = &cobra.Command{
	Use:   "prizes",
	Short: "Prize payouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, end, err := reportRange(time.Now())
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

		rows, err := a.api.Reports.Prizes(ctx, start, end)
		if err != nil {
			return err
		}
		if reportJSON {
			return printJSON(rows)
		}
		for _, r := range rows {
			fmt.Printf("%-10s  %-20s  %10.2f  bonus:%8.2f  %-10s  %s\n",
				r.Date, r.User, r.Amount, r.Bonus, r.Status, r.Operator)
		}
		fmt.Printf("\nPrizes %.2f\n", crm.SummarizeReports(nil, rows).Prizes)
		return nil
	},
}
