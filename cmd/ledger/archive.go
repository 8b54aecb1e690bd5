package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/payment-ledger/api"
	"github.com/warp/payment-ledger/ledger"
)

func archiveCmd(configPath *string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and undo payment deletions",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded on the change")

	var clientID, clinic string
	var pending bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List archive records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ledger.ArchiveFilter{ClientID: ledger.ClientID(clientID), Clinic: clinic}
			if pending {
				no := false
				f.Restored = &no
			}
			return withLedger(cmd, *configPath, func(ctx context.Context, e *ledger.Engine) (any, error) {
				recs, err := e.ListArchives(ctx, f)
				if err != nil {
					return nil, err
				}
				dtos := make([]api.ArchiveDTO, len(recs))
				for i, r := range recs {
					dtos[i] = api.ToArchiveDTO(r)
				}
				return dtos, nil
			})
		},
	}
	list.Flags().StringVar(&clientID, "client", "", "filter by client id")
	list.Flags().StringVar(&clinic, "clinic", "", "filter by clinic")
	list.Flags().BoolVar(&pending, "pending", false, "only records not yet restored")

	restore := &cobra.Command{
		Use:   "restore [archive-id]",
		Short: "Mark an archive record restored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, *configPath, func(ctx context.Context, e *ledger.Engine) (any, error) {
				rec, err := e.Restore(ctx, ledger.ArchiveID(args[0]), actor)
				if err != nil {
					return nil, err
				}
				return api.ToArchiveDTO(rec), nil
			})
		},
	}

	reinstate := &cobra.Command{
		Use:   "reinstate [archive-id]",
		Short: "Make a restored payment live again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, *configPath, func(ctx context.Context, e *ledger.Engine) (any, error) {
				p, err := e.Reinstate(ctx, ledger.ArchiveID(args[0]), actor)
				if err != nil {
					return nil, err
				}
				return api.ToPaymentDTO(p), nil
			})
		},
	}

	cmd.AddCommand(list, restore, reinstate)
	return cmd
}

func withLedger(cmd *cobra.Command, configPath string, run func(context.Context, *ledger.Engine) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := run(ctx, a.ledger)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
