package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/browser/session"
	"github.com/cpauline9999-sketch/Ff5/internal/captcha"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/observability"
	"github.com/cpauline9999-sketch/Ff5/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownTimeout = 15 * time.Second

// providerFactory opens the remote browser pool. Tests replace it.
var providerFactory = func(cfg *config.Config, logger *zap.Logger) (browser.Provider, error) {
	m, err := session.NewManager(cfg.Browser, logger)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// solverFactory builds the remote captcha solver; nil disables the remote tier.
var solverFactory = captcha.NewSolver

// waiter is implemented by providers that can report when every session is closed.
type waiter interface {
	Wait(ctx context.Context) error
}

// newRunner wires the session pool, the remote solver and the runner. The
// returned cleanup waits for open sessions to close.
func newRunner(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*orchestrator.Runner, func(), error) {
	provider, err := providerFactory(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	solver, err := solverFactory(ctx, cfg.Captcha.Remote, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize remote solver: %w", err)
	}

	var opts []orchestrator.Option
	if solver != nil {
		opts = append(opts, orchestrator.WithSolver(solver))
	}
	runner, err := orchestrator.NewRunner(cfg, provider, logger, opts...)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		w, ok := provider.(waiter)
		if !ok {
			return
		}
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := w.Wait(waitCtx); err != nil {
			logger.Warn("Browser sessions did not close in time.", zap.Error(err))
		}
	}
	return runner, cleanup, nil
}

func newRunCmd() *cobra.Command {
	var (
		buyer    string
		quantity int
		orderID  string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one purchase and print its result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := observability.GetLogger()
			req := schemas.PurchaseRequest{BuyerID: buyer, Quantity: quantity}

			if err := cfg.ValidateForRun(); err != nil {
				return report(cmd.OutOrStdout(), schemas.AutomationResult{
					ErrorKind:   schemas.ErrKindConfigurationInvalid,
					Message:     err.Error(),
					Screenshots: []string{},
				})
			}

			// No ledger writes happen until the runner exists.
			runner, cleanup, err := newRunner(ctx, cfg, logger)
			if err != nil {
				logger.Error("Could not set up the run.", zap.Error(err))
				return report(cmd.OutOrStdout(), schemas.AutomationResult{
					ErrorKind:   schemas.ErrKindConfigurationInvalid,
					Message:     err.Error(),
					Screenshots: []string{},
				})
			}
			defer cleanup()

			var ledger orderLedger
			if orderID != "" {
				if !cfg.Database.Enabled() {
					return errors.New("--order requires a configured database (TOPUP_DATABASE_URL)")
				}
				l, closeLedger, err := ledgers.Create(ctx, cfg)
				if err != nil {
					return err
				}
				defer closeLedger()
				order, err := l.GetOrder(ctx, orderID)
				if err != nil {
					return err
				}
				if order.BuyerID != req.BuyerID || order.Quantity != req.Quantity {
					return fmt.Errorf("order %s is for buyer %s quantity %d", orderID, order.BuyerID, order.Quantity)
				}
				if err := l.MarkProcessing(ctx, orderID); err != nil {
					return err
				}
				ledger = l
				req.OrderID = orderID
			}

			res := runner.Run(ctx, req)

			if ledger != nil {
				if err := ledger.RecordResult(context.WithoutCancel(ctx), orderID, res); err != nil {
					logger.Error("Could not record the result in the order ledger.", zap.String("order_id", orderID), zap.Error(err))
				}
			}
			return report(cmd.OutOrStdout(), res)
		},
	}
	runCmd.Flags().StringVarP(&buyer, "buyer", "b", "", "Buyer (player) identifier")
	runCmd.Flags().IntVarP(&quantity, "quantity", "q", 0, "Quantity to top up")
	runCmd.Flags().StringVar(&orderID, "order", "", "Ledger order this run fulfils")
	_ = runCmd.MarkFlagRequired("buyer")
	_ = runCmd.MarkFlagRequired("quantity")
	return runCmd
}

// report prints the result and turns a failed run into errRunFailed.
func report(w io.Writer, res schemas.AutomationResult) error {
	if err := writeJSON(w, res); err != nil {
		return err
	}
	if res.ExitCode() != 0 {
		return errRunFailed
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
