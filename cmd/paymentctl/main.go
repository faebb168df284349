package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"course-payments/internal/application"
	"course-payments/internal/config"
	"course-payments/internal/infra/adapters/payment"
	"course-payments/internal/infra/logging"
)

var version = "dev"

type rootOpts struct {
	configPath string
	dev        bool
}

func main() {
	opts := &rootOpts{}
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operator tool for the course payment core",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "developer mode (noop provider, optional redis)")

	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(confirmCmd(opts))
	rootCmd.AddCommand(reconcileCmd(opts))
	rootCmd.AddCommand(refundCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildApp(ctx context.Context, opts *rootOpts) (*application.App, error) {
	_ = godotenv.Load()
	cfg, err := config.LoadConfig(opts.configPath, opts.dev)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	return application.Build(ctx, cfg, logger)
}

func signCmd() *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "sign key=value [key=value...]",
		Short: "Compute the provider signature for a set of request fields",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("PROVIDER_SECRET_KEY")
			}
			if secret == "" {
				return fmt.Errorf("--secret or PROVIDER_SECRET_KEY is required")
			}
			params := make(map[string]any, len(args))
			for _, kv := range args {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("bad field %q, want key=value", kv)
				}
				params[k] = v
			}
			fmt.Fprintln(cmd.OutOrStdout(), payment.NewSigner(secret).Sign(params))
			return nil
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "provider secret key")
	return cmd
}

func statusCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status [order_id]",
		Short: "Ask the provider for the current status of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.Gateway.CheckStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", args[0], st, st.PaymentStatus())
			return nil
		},
	}
}

func confirmCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm [payment_id]",
		Short: "Re-check one payment with the provider and settle it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Reconcile.Confirm(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func reconcileCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one sweep over stale pending payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Reconciler.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d pending payments\n", n)
			return nil
		},
	}
}

func refundCmd(opts *rootOpts) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "refund [payment_id]",
		Short: "Refund a succeeded payment and revoke course access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amt *decimal.Decimal
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("bad --amount: %w", err)
				}
				amt = &d
			}

			ctx := cmd.Context()
			app, err := buildApp(ctx, opts)
			if err != nil {
				return err
			}
			defer app.Close()

			p, err := app.Payments.Refund(ctx, args[0], amt)
			if err != nil {
				return err
			}
			out := map[string]string{"payment_id": p.ID, "status": string(p.Status)}
			if p.RefundAmount != nil {
				out["refund_amount"] = p.RefundAmount.StringFixed(2)
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "partial refund amount (default: full)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
