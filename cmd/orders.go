package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/observability"
	"github.com/cpauline9999-sketch/Ff5/internal/store"
)

// orderLedger is the part of the store the commands use.
type orderLedger interface {
	CreateOrder(ctx context.Context, req schemas.PurchaseRequest) (store.Order, error)
	MarkProcessing(ctx context.Context, id string) error
	RecordResult(ctx context.Context, id string, res schemas.AutomationResult) error
	GetOrder(ctx context.Context, id string) (store.Order, error)
	ListOrders(ctx context.Context, f store.ListFilter) ([]store.Order, error)
	RequeueOrder(ctx context.Context, id string) error
	Stats(ctx context.Context) (map[schemas.OrderStatus]int, error)
	ClaimQueued(ctx context.Context, limit int) ([]store.Order, error)
}

// ledgerProvider creates the order ledger. Tests inject an in-memory one.
type ledgerProvider interface {
	// Create returns the ledger and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg *config.Config) (orderLedger, func(), error)
}

// defaultLedgerProvider connects to PostgreSQL and ensures the schema exists.
type defaultLedgerProvider struct{}

func (defaultLedgerProvider) Create(ctx context.Context, cfg *config.Config) (orderLedger, func(), error) {
	if !cfg.Database.Enabled() {
		return nil, nil, fmt.Errorf("database URL is not configured (%s_DATABASE_URL)", config.EnvPrefix)
	}
	s, closePool, err := store.Open(ctx, cfg.Database.URL, observability.GetLogger())
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		closePool()
		return nil, nil, err
	}
	return s, closePool, nil
}

var ledgers ledgerProvider = defaultLedgerProvider{}

// withLedger runs fn against a freshly created ledger.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, l orderLedger) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	l, cleanup, err := ledgers.Create(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(cmd.Context(), cfg, l)
}

func newOrdersCmd() *cobra.Command {
	ordersCmd := &cobra.Command{
		Use:   "orders",
		Short: "Manage the order ledger",
	}
	ordersCmd.AddCommand(newOrdersAddCmd())
	ordersCmd.AddCommand(newOrdersListCmd())
	ordersCmd.AddCommand(newOrdersShowCmd())
	ordersCmd.AddCommand(newOrdersRetryCmd())
	ordersCmd.AddCommand(newOrdersStatsCmd())
	ordersCmd.AddCommand(newOrdersDrainCmd())
	return ordersCmd
}

func newOrdersAddCmd() *cobra.Command {
	var (
		buyer    string
		quantity int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, _ *config.Config, l orderLedger) error {
				o, err := l.CreateOrder(ctx, schemas.PurchaseRequest{BuyerID: buyer, Quantity: quantity})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), o)
			})
		},
	}
	cmd.Flags().StringVarP(&buyer, "buyer", "b", "", "Buyer (player) identifier")
	cmd.Flags().IntVarP(&quantity, "quantity", "q", 0, "Quantity to top up")
	_ = cmd.MarkFlagRequired("buyer")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func newOrdersListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, _ *config.Config, l orderLedger) error {
				orders, err := l.ListOrders(ctx, store.ListFilter{Status: schemas.OrderStatus(status), Limit: limit})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), orders)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list orders in this status")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "Maximum number of orders")
	return cmd
}

func newOrdersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, _ *config.Config, l orderLedger) error {
				o, err := l.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), o)
			})
		},
	}
}

func newOrdersRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <order-id>",
		Short: "Queue a failed or manual_pending order again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, _ *config.Config, l orderLedger) error {
				if err := l.RequeueOrder(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Order %s queued.\n", args[0])
				return nil
			})
		},
	}
}

func newOrdersStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count orders per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, _ *config.Config, l orderLedger) error {
				stats, err := l.Stats(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

// drainSummary is printed once drain finishes.
type drainSummary struct {
	Claimed   int                                 `json:"claimed"`
	Completed int                                 `json:"completed"`
	ByStatus  map[schemas.OrderStatus]int         `json:"byStatus"`
	Results   map[string]schemas.AutomationResult `json:"results"`
}

func newOrdersDrainCmd() *cobra.Command {
	var (
		limit       int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run queued orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, cfg *config.Config, l orderLedger) error {
				if err := cfg.ValidateForRun(); err != nil {
					return err
				}
				workers := concurrency
				if workers <= 0 {
					workers = cfg.Browser.MaxSessions
				}
				summary, err := drain(ctx, cfg, l, limit, workers)
				if err != nil {
					return err
				}
				if werr := writeJSON(cmd.OutOrStdout(), summary); werr != nil {
					return werr
				}
				if summary.Completed < summary.Claimed {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of orders to claim")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "Concurrent runs (default browser.max_sessions)")
	return cmd
}

// drain claims up to limit queued orders and runs them with at most workers
// runs in flight. Every claimed order gets its result recorded.
func drain(ctx context.Context, cfg *config.Config, l orderLedger, limit, workers int) (drainSummary, error) {
	logger := observability.GetLogger().Named("drain")
	summary := drainSummary{ByStatus: map[schemas.OrderStatus]int{}, Results: map[string]schemas.AutomationResult{}}

	runner, cleanup, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return summary, err
	}
	defer cleanup()

	orders, err := l.ClaimQueued(ctx, limit)
	if err != nil {
		return summary, err
	}
	summary.Claimed = len(orders)
	if len(orders) == 0 {
		logger.Info("No queued orders.")
		return summary, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for _, o := range orders {
		g.Go(func() error {
			res := runner.Run(gctx, o.Request())
			if err := l.RecordResult(context.WithoutCancel(gctx), o.ID, res); err != nil {
				return fmt.Errorf("recording result of order %s: %w", o.ID, err)
			}
			status := schemas.StatusForResult(res)
			logger.Info("Order finished.", zap.String("order_id", o.ID), zap.String("status", string(status)))

			mu.Lock()
			defer mu.Unlock()
			summary.ByStatus[status]++
			summary.Results[o.ID] = res
			if res.Success {
				summary.Completed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}
