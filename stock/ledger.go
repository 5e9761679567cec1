/*
Package stock owns on-hand quantities and the two-party transfer protocol.

PURPOSE:
  Stock lives in s_stock, one row per (holder, product). A holder is an
  agent's van or the central warehouse (core.WarehouseID). Every change
  appends a signed row to s_stock_movements in the same transaction.

KEY CONCEPTS:
  - Debit: conditional decrement; never lets qty_on_hand go below zero
  - Credit: upsert increment
  - Movement: what to move, why, and which document caused it

TRANSACTION COMPOSITION:
  Debit and Credit take the caller's core.Tx so they join a larger unit of
  work (a van sale, a transfer confirmation). Receive, OnHand and Movements
  open their own transaction.

SEE ALSO:
  - transfer.go: OTP-confirmed warehouse <-> van transfers
  - ledger/ledger.go: Van sales debit stock at order creation
*/
package stock

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/logging"
	"github.com/warp/van-ledger/metrics"
	"go.uber.org/zap"
)

// Movement describes one quantity change of one product at one holder.
type Movement struct {
	HolderID    core.AgentID
	ProductID   core.ProductID
	Quantity    int64 // always positive; the operation decides the sign
	Reason      core.MovementReason
	ReferenceID string
	Note        string
}

type Options struct {
	Clock   core.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Ledger applies stock movements.
type Ledger struct {
	store   core.Store
	clock   core.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLedger(store core.Store, opts Options) *Ledger {
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Ledger{
		store:   store,
		clock:   clock,
		log:     logging.OrNop(opts.Logger).Named("stock"),
		metrics: opts.Metrics,
	}
}

// Debit removes stock. If the holder has less than requested the write
// matches no row and an *core.InsufficientStockError reports what was there.
func (l *Ledger) Debit(ctx context.Context, tx core.Tx, m Movement) error {
	if err := validateMovement(m); err != nil {
		return err
	}

	ok, err := tx.DebitStock(ctx, m.HolderID, m.ProductID, m.Quantity)
	if err != nil {
		return err
	}
	if !ok {
		available, err := tx.GetStock(ctx, m.HolderID, m.ProductID)
		if err != nil {
			return err
		}
		l.metrics.StockRejected()
		return &core.InsufficientStockError{
			HolderID:  m.HolderID,
			ProductID: m.ProductID,
			Available: available,
			Requested: m.Quantity,
		}
	}

	return l.record(ctx, tx, m, -m.Quantity)
}

// Credit adds stock, creating the row on first receipt.
func (l *Ledger) Credit(ctx context.Context, tx core.Tx, m Movement) error {
	if err := validateMovement(m); err != nil {
		return err
	}
	if err := tx.CreditStock(ctx, m.HolderID, m.ProductID, m.Quantity); err != nil {
		return err
	}
	return l.record(ctx, tx, m, m.Quantity)
}

func (l *Ledger) record(ctx context.Context, tx core.Tx, m Movement, delta int64) error {
	return tx.InsertMovement(ctx, core.StockMovement{
		ID:          uuid.NewString(),
		HolderID:    m.HolderID,
		ProductID:   m.ProductID,
		Delta:       delta,
		Reason:      m.Reason,
		ReferenceID: m.ReferenceID,
		Note:        m.Note,
		CreatedAt:   l.clock.Now(),
	})
}

func validateMovement(m Movement) error {
	if m.HolderID == "" {
		return core.Invalid("holder_id", "is required")
	}
	if m.ProductID == "" {
		return core.Invalid("product_id", "is required")
	}
	if m.Quantity <= 0 {
		return core.Invalid("quantity", "must be positive, got %d", m.Quantity)
	}
	return nil
}

// =============================================================================
// STANDALONE OPERATIONS
// =============================================================================

// ReceiptInput is a goods receipt into a holder, by default the warehouse.
type ReceiptInput struct {
	HolderID   core.AgentID
	ProductID  core.ProductID
	Quantity   int64
	ReceivedBy string
	Note       string
}

// Receive credits incoming goods. The product must exist.
func (l *Ledger) Receive(ctx context.Context, in ReceiptInput) error {
	holder := in.HolderID
	if holder == "" {
		holder = core.WarehouseID
	}

	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		product, err := tx.GetProduct(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			return core.Invalid("product_id", "product %s does not exist", in.ProductID)
		}
		if holder != core.WarehouseID {
			agent, err := tx.GetAgent(ctx, holder)
			if err != nil {
				return err
			}
			if agent == nil {
				return core.Invalid("holder_id", "agent %s does not exist", holder)
			}
		}
		return l.Credit(ctx, tx, Movement{
			HolderID:    holder,
			ProductID:   in.ProductID,
			Quantity:    in.Quantity,
			Reason:      core.ReasonReceipt,
			ReferenceID: in.ReceivedBy,
			Note:        in.Note,
		})
	})
	if err != nil {
		l.reject("receive", err)
		return err
	}

	l.log.Info("stock received",
		zap.String("holder_id", string(holder)),
		zap.String("product_id", string(in.ProductID)),
		zap.Int64("quantity", in.Quantity))
	return nil
}

// OnHand lists the quantities a holder has.
func (l *Ledger) OnHand(ctx context.Context, holder core.AgentID) ([]core.StockLine, error) {
	var lines []core.StockLine
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		lines, err = tx.ListStock(ctx, holder)
		return err
	})
	return lines, err
}

// Movements lists the newest movements of a holder, optionally for one product.
func (l *Ledger) Movements(ctx context.Context, holder core.AgentID, product core.ProductID, limit int) ([]core.StockMovement, error) {
	var movements []core.StockMovement
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		movements, err = tx.ListMovements(ctx, holder, product, limit)
		return err
	})
	return movements, err
}

func (l *Ledger) reject(op string, err error) {
	logRejection(l.log, l.metrics, op, err)
}

func logRejection(log *zap.Logger, m *metrics.Metrics, op string, err error) {
	kind := core.Kind(err)
	m.DomainError(op, kind)

	var stockErr *core.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		log.Warn(op+" rejected",
			zap.String("holder_id", string(stockErr.HolderID)),
			zap.String("product_id", string(stockErr.ProductID)),
			zap.Int64("available", stockErr.Available),
			zap.Int64("requested", stockErr.Requested))
	case core.IsClientError(err):
		log.Warn(op+" rejected", zap.String("kind", kind), zap.Error(err))
	default:
		log.Error(op+" failed", zap.Error(err))
	}
}
