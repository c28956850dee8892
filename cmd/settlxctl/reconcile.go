package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"settlx/internal/config"
	"settlx/internal/domain"
	"settlx/internal/reconcile"
)

func reconcileCmd(opts *rootOptions) *cobra.Command {
	var (
		scope    string
		strategy string
		status   string
		merchant string
		search   string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := opts.pipeline(ctx, func(cfg *config.AppConfig) error {
				if scope != "" {
					cfg.Reconcile.Scope = scope
				}
				if strategy != "" {
					cfg.Reconcile.Strategy = strategy
				}
				return nil
			})
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.Rates.Refresh(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: rate refresh failed, using %v: %v\n", c.Rates.Current().Value, err)
			}
			snap, err := c.Runner.RunPass(ctx)
			if err != nil {
				return err
			}

			q := reconcile.Query{Search: search}
			if merchant != "" {
				if !common.IsHexAddress(merchant) {
					return fmt.Errorf("invalid merchant address %q", merchant)
				}
				addr := common.HexToAddress(merchant)
				q.Merchant = &addr
			}
			if status != "" {
				st, ok := domain.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				q.Status = &st
			}
			view := *snap
			view.Payments = reconcile.Filter(snap.Payments, q)

			if opts.json {
				return printJSON(cmd.OutOrStdout(), &view)
			}
			return printSnapshot(cmd.OutOrStdout(), &view)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", `Payments to cover: "all", "merchant:<addr>" or "payer:<addr>"`)
	cmd.Flags().StringVar(&strategy, "strategy", "", `ID discovery: "events" or "probe"`)
	cmd.Flags().StringVar(&status, "status", "", "Only show payments with this status (Pending, Accepted, Rejected, Paid)")
	cmd.Flags().StringVar(&merchant, "merchant", "", "Only show payments to this merchant")
	cmd.Flags().StringVarP(&search, "search", "q", "", "Match payer, merchant, reference or ID")
	return cmd
}

func printSnapshot(w io.Writer, snap *reconcile.Snapshot) error {
	fmt.Fprintf(w, "run %s  head %d  scope %s  live rate %s",
		snap.RunID, snap.Head, snap.Scope, strconv.FormatFloat(snap.Rate.Value, 'f', 2, 64))
	if snap.Rate.Stale || snap.Rate.Default {
		fmt.Fprint(w, " (fallback)")
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tFIAT\tLOCKED\tREFERENCE\tMERCHANT\tBANK")
	for _, p := range snap.Payments {
		locked := "-"
		if p.LockedRate != nil {
			locked = strconv.FormatFloat(*p.LockedRate, 'f', 2, 64)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.StatusLabel,
			strconv.FormatFloat(p.Amount, 'f', 2, 64),
			strconv.FormatFloat(p.FiatAmount(), 'f', 2, 64),
			locked,
			p.Reference,
			p.Merchant.Hex(),
			p.MerchantProfile.BankName,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	o := snap.Overview
	fmt.Fprintf(w, "\n%d payments, volume %.2f, locked fiat %.2f, %d registered merchants\n",
		o.TotalPayments, o.TotalVolume, o.TotalLockedFiat, o.RegisteredMerchants)
	for _, a := range snap.Anomalies {
		fmt.Fprintf(w, "anomaly %s payment %d: %s\n", a.Kind, a.PaymentID, a.Detail)
	}
	for _, id := range snap.ProbeFailures {
		fmt.Fprintf(w, "probe read failed for payment %d\n", id)
	}
	return nil
}

func rateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rate",
		Short: "Fetch and print the live fiat rate per token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.pipeline(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer c.Close()

			rate, err := c.Rates.Refresh(cmd.Context())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rate)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.4f (stale=%t default=%t)\n", rate.Value, rate.Stale, rate.Default)
			return nil
		},
	}
}
