package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/importer"
	"marketplace-checkout/internal/repository/catalog"
	"marketplace-checkout/internal/repository/ledger"
	"marketplace-checkout/internal/repository/order"
	"marketplace-checkout/internal/service/admin"
)

type stores struct {
	orders  order.Repository
	ledger  ledger.Repository
	catalog catalog.Repository
	admin   *admin.Service
	close   func()
}

// app opens the stores once per invocation.
type app struct {
	open func(ctx context.Context) (*stores, error)
	st   *stores
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "orderctl",
		Short:         "Inspect and override marketplace orders",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			a.st = st
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.st != nil && a.st.close != nil {
				a.st.close()
			}
		},
	}
	root.AddCommand(
		getCmd(a),
		listCmd(a),
		auditCmd(a),
		transactionsCmd(a),
		setStatusCmd(a),
		setPaymentStatusCmd(a),
		fulfillCmd(a),
		importPricesCmd(a),
	)
	return root
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <order-id|order-number>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, o)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var (
		status, paymentStatus, query string
		review                       bool
		page, size                   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.st.admin.ListOrders(cmd.Context(), domain.OrderFilter{
				Status:        domain.OrderStatus(status),
				PaymentStatus: domain.PaymentStatus(paymentStatus),
				ReviewOnly:    review,
				Query:         query,
			}, domain.Page{Number: page, Size: size})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, o := range res.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d %s\tv%d\n", o.ID, o.Number, o.Status, o.PaymentStatus, o.TotalCents, o.Currency, o.Version)
			}
			fmt.Fprintf(w, "page %d, %d of %d orders\n", res.Page, len(res.Items), res.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by order status")
	cmd.Flags().StringVar(&paymentStatus, "payment-status", "", "filter by payment status")
	cmd.Flags().StringVarP(&query, "query", "q", "", "match order number or buyer email")
	cmd.Flags().BoolVar(&review, "review", false, "only orders flagged for manual review")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 20, "page size")
	return cmd
}

func auditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <order-id|order-number>",
		Short: "Show the transition history of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			entries, err := a.st.admin.OrderAudit(cmd.Context(), o.ID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				flag := ""
				if e.Override {
					flag = " OVERRIDE"
				}
				fmt.Fprintf(w, "v%d\t%s\t%s\t%s/%s -> %s/%s\t%s%s\n",
					e.Version, e.At.Format("2006-01-02T15:04:05Z07:00"), e.Actor,
					e.OldStatus, e.OldPaymentStatus, e.NewStatus, e.NewPaymentStatus, e.Note, flag)
			}
			return nil
		},
	}
}

func transactionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transactions <order-id|order-number>",
		Short: "Show the payment ledger of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			txs, err := a.st.ledger.ListByOrder(cmd.Context(), o.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd, txs)
		},
	}
}

func setStatusCmd(a *app) *cobra.Command {
	var w writeFlags
	cmd := &cobra.Command{
		Use:   "set-status <order-id|order-number> <status>",
		Short: "Force the order status, bypassing the guard table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			updated, err := a.st.admin.SetOrderStatus(cmd.Context(), admin.SetStatusInput{
				OrderID: o.ID,
				Status:  domain.OrderStatus(strings.ToLower(args[1])),
				Note:    w.note,
				Version: w.versionOr(o.Version),
				Actor:   w.actor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, updated)
		},
	}
	w.bind(cmd)
	return cmd
}

func setPaymentStatusCmd(a *app) *cobra.Command {
	var w writeFlags
	cmd := &cobra.Command{
		Use:   "set-payment-status <order-id|order-number> <payment-status>",
		Short: "Force the payment status, e.g. after an offline bank transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			updated, err := a.st.admin.SetPaymentStatus(cmd.Context(), admin.SetPaymentStatusInput{
				OrderID:       o.ID,
				PaymentStatus: domain.PaymentStatus(strings.ToLower(args[1])),
				Note:          w.note,
				Version:       w.versionOr(o.Version),
				Actor:         w.actor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, updated)
		},
	}
	w.bind(cmd)
	return cmd
}

func fulfillCmd(a *app) *cobra.Command {
	var w writeFlags
	cmd := &cobra.Command{
		Use:   "fulfill <order-id|order-number> <start|ship|deliver|cancel>",
		Short: "Apply a fulfillment event through the guard table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			updated, err := a.st.admin.Fulfill(cmd.Context(), admin.FulfillmentInput{
				OrderID: o.ID,
				Action:  args[1],
				Reason:  w.note,
				Version: w.versionOr(o.Version),
				Actor:   w.actor,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, updated)
		},
	}
	w.bind(cmd)
	return cmd
}

func importPricesCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-prices",
		Short: "Upsert catalog prices from a CSV file (id,sku,name,price,currency)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open file: %w", err)
			}
			defer f.Close()

			count, err := importer.NewCSVImporter(f, a.st.catalog).Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("import failed after %d prices: %w", count, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d prices\n", count)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the price CSV")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// writeFlags are shared by every command that changes an order.
type writeFlags struct {
	note    string
	actor   string
	version int64
}

func (w *writeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&w.note, "note", "m", "", "reason recorded in the audit log")
	cmd.Flags().StringVar(&w.actor, "actor", os.Getenv("USER"), "operator name recorded in the audit log")
	cmd.Flags().Int64Var(&w.version, "version", -1, "expected order version, defaults to the version just read")
}

func (w *writeFlags) versionOr(current int64) int64 {
	if w.version < 0 {
		return current
	}
	return w.version
}

// lookup accepts either an order id or a human-facing order number.
func (a *app) lookup(ctx context.Context, ref string) (*domain.Order, error) {
	o, err := a.st.orders.GetByID(ctx, ref)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	o, err = a.st.orders.GetByNumber(ctx, strings.ToUpper(strings.TrimSpace(ref)))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("order %q: %w", ref, err)
	}
	return o, err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
