package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/van-ledger/core"
)

// =============================================================================
// STOCK (core.StockRepo)
// =============================================================================

// DebitStock is the only way stock decreases. The guard and the write are one
// statement; a concurrent debit that would overdraw simply matches no row.
func (t *txStore) DebitStock(ctx context.Context, holder core.AgentID, product core.ProductID, qty int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE s_stock SET qty_on_hand = qty_on_hand - ?
		WHERE agent_id = ? AND product_id = ? AND qty_on_hand >= ?
	`, qty, holder, product, qty)
	if err != nil {
		return false, fmt.Errorf("failed to debit stock: %w", err)
	}
	return rowsAffected(res)
}

func (t *txStore) CreditStock(ctx context.Context, holder core.AgentID, product core.ProductID, qty int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO s_stock (agent_id, product_id, qty_on_hand) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, product_id) DO UPDATE SET qty_on_hand = qty_on_hand + excluded.qty_on_hand
	`, holder, product, qty)
	if err != nil {
		return fmt.Errorf("failed to credit stock: %w", err)
	}
	return nil
}

func (t *txStore) GetStock(ctx context.Context, holder core.AgentID, product core.ProductID) (int64, error) {
	var qty int64
	err := t.tx.QueryRowContext(ctx,
		"SELECT qty_on_hand FROM s_stock WHERE agent_id = ? AND product_id = ?", holder, product,
	).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get stock: %w", err)
	}
	return qty, nil
}

func (t *txStore) ListStock(ctx context.Context, holder core.AgentID) ([]core.StockLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT agent_id, product_id, qty_on_hand FROM s_stock
		WHERE agent_id = ? ORDER BY product_id
	`, holder)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock: %w", err)
	}
	defer rows.Close()

	var lines []core.StockLine
	for rows.Next() {
		var l core.StockLine
		if err := rows.Scan(&l.HolderID, &l.ProductID, &l.QtyOnHand); err != nil {
			return nil, fmt.Errorf("failed to scan stock line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (t *txStore) InsertMovement(ctx context.Context, m core.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO s_stock_movements (id, agent_id, product_id, delta_qty, reason, reference_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.HolderID, m.ProductID, m.Delta, m.Reason, nullString(m.ReferenceID), nullString(m.Note), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert stock movement: %w", err)
	}
	return nil
}

// ListMovements returns the newest movements of a holder. product may be
// empty to include every product.
func (t *txStore) ListMovements(ctx context.Context, holder core.AgentID, product core.ProductID, limit int) ([]core.StockMovement, error) {
	var c conditions
	c.eq("agent_id", string(holder))
	c.eq("product_id", string(product))

	query := `SELECT id, agent_id, product_id, delta_qty, reason, reference_id, note, created_at
		FROM s_stock_movements` + c.where() + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := t.tx.QueryContext(ctx, query, append(c.args, core.EffectiveLimit(limit))...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock movements: %w", err)
	}
	defer rows.Close()

	var movements []core.StockMovement
	for rows.Next() {
		var m core.StockMovement
		var ref, note sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.HolderID, &m.ProductID, &m.Delta, &m.Reason, &ref, &note, &created); err != nil {
			return nil, fmt.Errorf("failed to scan stock movement: %w", err)
		}
		m.ReferenceID = ref.String
		m.Note = note.String
		m.CreatedAt = parseTime(created)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// =============================================================================
// TRANSFER REQUESTS (core.TransferRepo)
// =============================================================================

const transferColumns = `id, direction, initiator_agent_id, agent_otp, counterparty_otp,
	agent_confirmed_at, counterparty_confirmed_at, expires_at, completed_at,
	cancelled_at, cancelled_by, note, created_at`

func (t *txStore) InsertTransfer(ctx context.Context, r core.TransferRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_transfer_requests (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Direction, r.InitiatorAgentID, r.AgentOTP, r.CounterpartyOTP,
		formatNullTime(r.AgentConfirmedAt), formatNullTime(r.CounterpartyConfirmedAt),
		formatTime(r.ExpiresAt), formatNullTime(r.CompletedAt),
		formatNullTime(r.CancelledAt), nullString(r.CancelledBy), nullString(r.Note),
		formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert transfer request: %w", err)
	}

	for _, item := range r.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO stock_transfer_items (request_id, product_id, quantity) VALUES (?, ?, ?)
		`, r.ID, item.ProductID, item.Quantity)
		if isUniqueConstraintError(err) {
			return core.Invalid("items", "product %s listed twice", item.ProductID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert transfer item: %w", err)
		}
	}
	return nil
}

func (t *txStore) GetTransfer(ctx context.Context, id core.TransferID) (*core.TransferRequest, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+transferColumns+" FROM stock_transfer_requests WHERE id = ?", id)
	r, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer request: %w", err)
	}
	if err := t.loadTransferItems(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *txStore) loadTransferItems(ctx context.Context, r *core.TransferRequest) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT product_id, quantity FROM stock_transfer_items
		WHERE request_id = ? ORDER BY product_id
	`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to get transfer items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item core.TransferItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return fmt.Errorf("failed to scan transfer item: %w", err)
		}
		r.Items = append(r.Items, item)
	}
	return rows.Err()
}

func (t *txStore) MarkConfirmed(ctx context.Context, id core.TransferID, party core.Party, at time.Time) (bool, error) {
	column := "counterparty_confirmed_at"
	if party == core.PartyAgent {
		column = "agent_confirmed_at"
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_transfer_requests SET `+column+` = ?
		WHERE id = ? AND `+column+` IS NULL
		  AND completed_at IS NULL AND cancelled_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to confirm transfer: %w", err)
	}
	return rowsAffected(res)
}

// MarkCompleted is the exactly-once gate for applying stock movements.
func (t *txStore) MarkCompleted(ctx context.Context, id core.TransferID, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_transfer_requests SET completed_at = ?
		WHERE id = ? AND completed_at IS NULL AND cancelled_at IS NULL
		  AND agent_confirmed_at IS NOT NULL AND counterparty_confirmed_at IS NOT NULL
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete transfer: %w", err)
	}
	return rowsAffected(res)
}

func (t *txStore) MarkCancelled(ctx context.Context, id core.TransferID, actor string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_transfer_requests SET cancelled_at = ?, cancelled_by = ?
		WHERE id = ? AND cancelled_at IS NULL AND completed_at IS NULL
		  AND agent_confirmed_at IS NULL AND counterparty_confirmed_at IS NULL
	`, formatTime(at), nullString(actor), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel transfer: %w", err)
	}
	return rowsAffected(res)
}

// ListOpenTransfers returns requests of an agent that are neither completed,
// cancelled nor expired at now. An empty agentID lists every agent.
func (t *txStore) ListOpenTransfers(ctx context.Context, agentID core.AgentID, now time.Time) ([]core.TransferRequest, error) {
	var c conditions
	c.eq("initiator_agent_id", string(agentID))
	c.add("completed_at IS NULL")
	c.add("cancelled_at IS NULL")
	c.add("expires_at > ?", formatTime(now))

	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+transferColumns+" FROM stock_transfer_requests"+c.where()+" ORDER BY created_at", c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer requests: %w", err)
	}

	var requests []core.TransferRequest
	for rows.Next() {
		r, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transfer request: %w", err)
		}
		requests = append(requests, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Items are loaded after the cursor is closed.
	for i := range requests {
		if err := t.loadTransferItems(ctx, &requests[i]); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

func scanTransfer(s scanner) (*core.TransferRequest, error) {
	var r core.TransferRequest
	var agentConfirmed, counterpartyConfirmed, completed, cancelled, cancelledBy, note sql.NullString
	var expires, created string
	err := s.Scan(&r.ID, &r.Direction, &r.InitiatorAgentID, &r.AgentOTP, &r.CounterpartyOTP,
		&agentConfirmed, &counterpartyConfirmed, &expires, &completed,
		&cancelled, &cancelledBy, &note, &created)
	if err != nil {
		return nil, err
	}
	r.AgentConfirmedAt = parseNullTime(agentConfirmed)
	r.CounterpartyConfirmedAt = parseNullTime(counterpartyConfirmed)
	r.ExpiresAt = parseTime(expires)
	r.CompletedAt = parseNullTime(completed)
	r.CancelledAt = parseNullTime(cancelled)
	r.CancelledBy = cancelledBy.String
	r.Note = note.String
	r.CreatedAt = parseTime(created)
	return &r, nil
}
