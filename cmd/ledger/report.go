package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/warp/payment-ledger/reporting"
)

func reportCmd(configPath *string) *cobra.Command {
	var clinic string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a report as JSON",
	}
	cmd.PersistentFlags().StringVar(&clinic, "clinic", "", "clinic to report on (all when empty)")

	var asOf string
	aging := &cobra.Command{
		Use:   "aging",
		Short: "Open balances per client by payment age",
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if asOf != "" {
				t, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of (use YYYY-MM-DD): %w", err)
				}
				at = t
			}
			return withReports(cmd, *configPath, func(ctx context.Context, e *reporting.Engine) (any, error) {
				return e.Aging(ctx, clinic, at)
			})
		},
	}
	aging.Flags().StringVar(&asOf, "as-of", "", "report date (default today)")

	outstanding := &cobra.Command{
		Use:   "outstanding",
		Short: "Total still owed on open payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReports(cmd, *configPath, func(ctx context.Context, e *reporting.Engine) (any, error) {
				return e.Outstanding(ctx, clinic)
			})
		},
	}

	var q reporting.AccountQuery
	var sortField string
	accounts := &cobra.Command{
		Use:   "accounts",
		Short: "Per-client account summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Sort = reporting.SortField(sortField)
			return withReports(cmd, *configPath, func(ctx context.Context, e *reporting.Engine) (any, error) {
				return e.Accounts(ctx, clinic, q)
			})
		},
	}
	accounts.Flags().StringVar(&sortField, "sort", string(reporting.SortByClientName), "sort by name or owed")
	accounts.Flags().BoolVar(&q.Descending, "desc", false, "descending order")
	accounts.Flags().IntVar(&q.Page, "page", 1, "page number")
	accounts.Flags().IntVar(&q.PageSize, "page-size", reporting.DefaultPageSize, "rows per page")

	cmd.AddCommand(aging, outstanding, accounts)
	return cmd
}

func withReports(cmd *cobra.Command, configPath string, run func(context.Context, *reporting.Engine) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := run(ctx, a.reports)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
