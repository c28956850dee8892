package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"settlx/internal/app"
	"settlx/internal/domain"
	"settlx/internal/escrow"
	"settlx/internal/hmacauth"
)

// writer wires the pipeline and fails early when no signing key is configured.
func (o *rootOptions) writer(ctx context.Context) (*app.Components, error) {
	c, err := o.pipeline(ctx, nil)
	if err != nil {
		return nil, err
	}
	if c.Writer == nil {
		c.Close()
		return nil, fmt.Errorf("%w: set CHAIN_PRIVATE_KEY", escrow.ErrReadOnly)
	}
	if c.Fake != nil {
		fmt.Fprintln(os.Stderr, "warning: no RPC configured, writing to a throwaway in-memory chain")
	}
	return c, nil
}

func confirmContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (o *rootOptions) report(w io.Writer, op string, tx escrow.TxResult) error {
	if o.json {
		return printJSON(w, map[string]string{"op": op, "txHash": tx.TxHash})
	}
	_, err := fmt.Fprintf(w, "%s submitted: %s\n", op, tx.TxHash)
	return err
}

func payCmd(opts *rootOptions) *cobra.Command {
	var merchant, amount, reference string
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Approve the token allowance and pay a merchant",
		RunE: func(cmd *cobra.Command, args []string) error {
			minor, err := domain.ParseUnits(amount, domain.TokenDecimals)
			if err != nil {
				return err
			}
			req := escrow.PayMerchantRequest{Merchant: merchant, AmountMinor: minor, Reference: reference}
			if err := req.Validate(); err != nil {
				return err
			}
			c, err := opts.writer(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			approve, err := c.Writer.ApproveToken(cmd.Context(), minor)
			if err != nil {
				return err
			}
			if err := opts.report(cmd.OutOrStdout(), "approve", approve); err != nil {
				return err
			}
			waitCtx, cancel := confirmContext(cmd.Context(), c.Config.Chain.ConfirmTimeout)
			defer cancel()
			if err := c.Writer.WaitMined(waitCtx, approve.TxHash); err != nil {
				return fmt.Errorf("approval not mined: %w", err)
			}
			tx, err := c.Writer.PayMerchant(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.report(cmd.OutOrStdout(), "payMerchant", tx)
		},
	}
	cmd.Flags().StringVar(&merchant, "merchant", "", "Merchant address")
	cmd.Flags().StringVar(&amount, "amount", "", "Token amount, e.g. 12.5")
	cmd.Flags().StringVar(&reference, "reference", "", "Invoice reference")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func acceptCmd(opts *rootOptions) *cobra.Command {
	var rate string
	cmd := &cobra.Command{
		Use:   "accept <payment-id>",
		Short: "Accept a pending payment and lock its fiat rate (merchant only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.writer(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var locked = rate
			if locked == "" {
				live, err := c.Rates.Refresh(cmd.Context())
				if err != nil {
					return fmt.Errorf("live rate unavailable, pass --rate: %w", err)
				}
				locked = strconv.FormatFloat(live.Value, 'f', -1, 64)
			}
			scaled, err := domain.ParseUnits(locked, domain.RateDecimals)
			if err != nil {
				return err
			}
			tx, err := c.Writer.AcceptPaymentWithRate(cmd.Context(), id, scaled)
			if err != nil {
				return err
			}
			return opts.report(cmd.OutOrStdout(), "acceptPaymentWithRate", tx)
		},
	}
	cmd.Flags().StringVar(&rate, "rate", "", "Fiat per token to lock; defaults to the live rate")
	return cmd
}

type paymentCall func(ctx context.Context, w escrow.Writer, id uint64) (escrow.TxResult, error)

func rejectCall(ctx context.Context, w escrow.Writer, id uint64) (escrow.TxResult, error) {
	return w.RejectPayment(ctx, id)
}

func markPaidCall(ctx context.Context, w escrow.Writer, id uint64) (escrow.TxResult, error) {
	return w.MarkAsPaid(ctx, id)
}

func paymentWriteCmd(opts *rootOptions, use, short string, call paymentCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <payment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.writer(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			tx, err := call(cmd.Context(), c.Writer, id)
			if err != nil {
				return err
			}
			return opts.report(cmd.OutOrStdout(), use, tx)
		},
	}
}

type bankCall func(ctx context.Context, w escrow.Writer, d escrow.BankDetails) (escrow.TxResult, error)

func registerBankCall(ctx context.Context, w escrow.Writer, d escrow.BankDetails) (escrow.TxResult, error) {
	return w.RegisterMerchantBankDetails(ctx, d)
}

func updateBankCall(ctx context.Context, w escrow.Writer, d escrow.BankDetails) (escrow.TxResult, error) {
	return w.UpdateMerchantBankDetails(ctx, d)
}

func bankCmd(opts *rootOptions, use, short string, call bankCall) *cobra.Command {
	var details escrow.BankDetails
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := details.Validate(); err != nil {
				return err
			}
			c, err := opts.writer(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			tx, err := call(cmd.Context(), c.Writer, details)
			if err != nil {
				return err
			}
			return opts.report(cmd.OutOrStdout(), use, tx)
		},
	}
	cmd.Flags().StringVar(&details.BankName, "bank", "", "Bank name")
	cmd.Flags().StringVar(&details.AccountName, "account-name", "", "Account holder name")
	cmd.Flags().StringVar(&details.AccountNumber, "account-number", "", "Account number")
	return cmd
}

func signCmd() *cobra.Command {
	var secret, bodyPath string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signature headers for an API write request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("HMAC_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or HMAC_SECRET is required")
			}
			var body []byte
			if bodyPath != "" {
				raw, err := os.ReadFile(bodyPath)
				if err != nil {
					return err
				}
				body = raw
			}
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n%s: %s\n",
				hmacauth.HeaderTimestamp, ts,
				hmacauth.HeaderSignature, hmacauth.Sign(secret, ts, body))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret")
	cmd.Flags().StringVar(&bodyPath, "body", "", "File holding the exact request body")
	return cmd
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, escrow.ErrInvalidPaymentID
	}
	return id, nil
}
