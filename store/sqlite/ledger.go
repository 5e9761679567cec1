package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/van-ledger/core"
)

// =============================================================================
// SEQUENCES (core.SequenceRepo)
// =============================================================================

// NextSequence increments the counter in one upsert so two transactions can
// never read the same value.
func (t *txStore) NextSequence(ctx context.Context, scope string, customerID core.CustomerID, agentID core.AgentID) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (scope, customer_id, agent_id, last_value)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(scope, customer_id, agent_id)
		DO UPDATE SET last_value = last_value + 1
		RETURNING last_value
	`, scope, customerID, agentID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return next, nil
}

// =============================================================================
// EXCHANGE RATES (core.RateRepo)
// =============================================================================

func (t *txStore) LatestRate(ctx context.Context, at time.Time) (*core.Rate, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, rate_lbp, effective_date, note, created_at
		FROM exchange_rates
		WHERE effective_date <= ?
		ORDER BY effective_date DESC, created_at DESC
		LIMIT 1
	`, formatTime(at))
	r, err := scanRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest rate: %w", err)
	}
	return r, nil
}

func (t *txStore) InsertRate(ctx context.Context, r core.Rate) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO exchange_rates (id, rate_lbp, effective_date, note, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.LBPPerUSD.String(), formatTime(r.EffectiveDate), nullString(r.Note), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert rate: %w", err)
	}
	return nil
}

func (t *txStore) ListRates(ctx context.Context, limit int) ([]core.Rate, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, rate_lbp, effective_date, note, created_at
		FROM exchange_rates
		ORDER BY effective_date DESC, created_at DESC
		LIMIT ?
	`, core.EffectiveLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list rates: %w", err)
	}
	defer rows.Close()

	var rates []core.Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		rates = append(rates, *r)
	}
	return rates, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRate(s scanner) (*core.Rate, error) {
	var r core.Rate
	var rate, effective, created string
	var note sql.NullString
	if err := s.Scan(&r.ID, &rate, &effective, &note, &created); err != nil {
		return nil, err
	}
	r.LBPPerUSD = parseDecimal(rate)
	r.EffectiveDate = parseTime(effective)
	r.CreatedAt = parseTime(created)
	r.Note = note.String
	return &r, nil
}

// =============================================================================
// ORDERS (core.OrderRepo)
// =============================================================================

const orderColumns = `o.id, o.order_number, o.customer_id, o.sales_rep_id, o.kind, o.status,
	o.total_usd, o.total_lbp, o.exchange_rate_id, o.rate_lbp, o.created_at`

func (t *txStore) InsertOrder(ctx context.Context, o core.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, customer_id, sales_rep_id, kind, status,
			total_usd, total_lbp, exchange_rate_id, rate_lbp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.OrderNumber, o.CustomerID, o.AgentID, o.Kind, o.Status,
		o.TotalUSD.String(), o.TotalLBP.String(), o.RateID, o.RateLBP.String(), formatTime(o.CreatedAt))
	if violatedColumn(err, "orders.order_number") {
		return fmt.Errorf("order number %s: %w", o.OrderNumber, core.ErrDuplicateNumber)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, line := range o.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity, unit_price_usd, line_total_usd)
			VALUES (?, ?, ?, ?, ?)
		`, o.ID, line.ProductID, line.Quantity, line.UnitPriceUSD.String(), line.LineTotalUSD.String())
		if err != nil {
			return fmt.Errorf("failed to insert order line: %w", err)
		}
	}
	return nil
}

func (t *txStore) GetOrder(ctx context.Context, id core.OrderID) (*core.Order, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders o WHERE o.id = ?", id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price_usd, line_total_usd
		FROM order_lines WHERE order_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item core.OrderItem
		var unit, total string
		if err := rows.Scan(&item.ProductID, &item.Quantity, &unit, &total); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		item.UnitPriceUSD = parseDecimal(unit)
		item.LineTotalUSD = parseDecimal(total)
		o.Lines = append(o.Lines, item)
	}
	return o, rows.Err()
}

func (t *txStore) UpdateOrderStatus(ctx context.Context, id core.OrderID, from, to core.OrderStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return rowsAffected(res)
}

func (t *txStore) InsertOrderEvent(ctx context.Context, ev core.OrderStatusEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_status_events (order_id, from_status, to_status, actor, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.OrderID, nullString(string(ev.From)), ev.To, nullString(ev.Actor), nullString(ev.Note), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert order event: %w", err)
	}
	return nil
}

func (t *txStore) ListOrderEvents(ctx context.Context, id core.OrderID) ([]core.OrderStatusEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT order_id, from_status, to_status, actor, note, created_at
		FROM order_status_events WHERE order_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list order events: %w", err)
	}
	defer rows.Close()

	var events []core.OrderStatusEvent
	for rows.Next() {
		var ev core.OrderStatusEvent
		var from, actor, note sql.NullString
		var created string
		if err := rows.Scan(&ev.OrderID, &from, &ev.To, &actor, &note, &created); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		ev.From = core.OrderStatus(from.String)
		ev.Actor = actor.String
		ev.Note = note.String
		ev.CreatedAt = parseTime(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListOrders returns order headers, newest first. Lines are not loaded.
func (t *txStore) ListOrders(ctx context.Context, f core.OrderFilter) ([]core.Order, error) {
	var c conditions
	c.in("o.status", stringsOf(f.Statuses))
	c.eq("o.customer_id", string(f.CustomerID))
	c.eq("o.sales_rep_id", string(f.AgentID))
	c.eq("o.kind", string(f.Kind))
	c.between("o.created_at", f.From, f.To)

	query := "SELECT " + orderColumns + " FROM orders o" + c.where() +
		" ORDER BY o.created_at DESC, o.order_number DESC LIMIT ?"
	rows, err := t.tx.QueryContext(ctx, query, append(c.args, core.EffectiveLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(s scanner) (*core.Order, error) {
	var o core.Order
	var totalUSD, totalLBP, rate, created string
	err := s.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &o.AgentID, &o.Kind, &o.Status,
		&totalUSD, &totalLBP, &o.RateID, &rate, &created)
	if err != nil {
		return nil, err
	}
	o.TotalUSD = parseDecimal(totalUSD)
	o.TotalLBP = parseDecimal(totalLBP)
	o.RateLBP = parseDecimal(rate)
	o.CreatedAt = parseTime(created)
	return &o, nil
}

// =============================================================================
// INVOICES (core.InvoiceRepo)
// =============================================================================

const invoiceColumns = `i.id, i.invoice_number, i.order_id, i.customer_id, i.status,
	i.total_usd, i.total_lbp, i.rate_lbp, i.discount_usd, i.note, i.issued_at, i.voided_at`

func (t *txStore) InsertInvoice(ctx context.Context, inv core.Invoice) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (id, invoice_number, order_id, customer_id, status,
			total_usd, total_lbp, rate_lbp, discount_usd, note, issued_at, voided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.InvoiceNumber, inv.OrderID, inv.CustomerID, inv.Status,
		inv.TotalUSD.String(), inv.TotalLBP.String(), inv.RateLBP.String(), inv.DiscountUSD.String(),
		nullString(inv.Note), formatTime(inv.IssuedAt), formatNullTime(inv.VoidedAt))
	switch {
	case violatedColumn(err, "invoices.invoice_number"):
		return fmt.Errorf("invoice number %s: %w", inv.InvoiceNumber, core.ErrDuplicateNumber)
	case violatedColumn(err, "invoices.order_id"):
		return core.Conflict(core.CodeInvoiceExists, "order %s already has an invoice", inv.OrderID)
	case err != nil:
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (t *txStore) GetInvoice(ctx context.Context, id core.InvoiceID) (*core.Invoice, error) {
	return t.getInvoiceWhere(ctx, "i.id = ?", id)
}

func (t *txStore) GetInvoiceByOrder(ctx context.Context, id core.OrderID) (*core.Invoice, error) {
	return t.getInvoiceWhere(ctx, "i.order_id = ?", id)
}

func (t *txStore) getInvoiceWhere(ctx context.Context, clause string, arg any) (*core.Invoice, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+invoiceColumns+" FROM invoices i WHERE "+clause, arg)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

func (t *txStore) ListUnsettledInvoices(ctx context.Context, customerID core.CustomerID) ([]core.Invoice, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+invoiceColumns+` FROM invoices i
		WHERE i.customer_id = ? AND i.status IN (?, ?)
		ORDER BY i.issued_at ASC, i.invoice_number ASC
	`, customerID, core.InvoiceIssued, core.InvoicePaid)
	if err != nil {
		return nil, fmt.Errorf("failed to list open invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

func (t *txStore) SetInvoiceStatus(ctx context.Context, id core.InvoiceID, from []core.InvoiceStatus, to core.InvoiceStatus) (bool, error) {
	c := conditions{}
	c.add("id = ?", id)
	c.in("status", stringsOf(from))
	res, err := t.tx.ExecContext(ctx, "UPDATE invoices SET status = ?"+c.where(), append([]any{to}, c.args...)...)
	if err != nil {
		return false, fmt.Errorf("failed to update invoice status: %w", err)
	}
	return rowsAffected(res)
}

// VoidInvoice succeeds only for an issued invoice with no payment rows.
func (t *txStore) VoidInvoice(ctx context.Context, id core.InvoiceID, at time.Time, note string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices SET status = ?, voided_at = ?, note = COALESCE(?, note)
		WHERE id = ? AND status = ?
		  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.invoice_id = invoices.id)
	`, core.InvoiceVoided, formatTime(at), nullString(note), id, core.InvoiceIssued)
	if err != nil {
		return false, fmt.Errorf("failed to void invoice: %w", err)
	}
	return rowsAffected(res)
}

func (t *txStore) ListInvoices(ctx context.Context, f core.InvoiceFilter) ([]core.Invoice, error) {
	var c conditions
	c.in("i.status", stringsOf(f.Statuses))
	c.eq("i.customer_id", string(f.CustomerID))
	c.eq("o.sales_rep_id", string(f.AgentID))
	c.between("i.issued_at", f.From, f.To)

	query := "SELECT " + invoiceColumns + " FROM invoices i JOIN orders o ON o.id = i.order_id" +
		c.where() + " ORDER BY i.issued_at DESC, i.invoice_number DESC LIMIT ?"
	rows, err := t.tx.QueryContext(ctx, query, append(c.args, core.EffectiveLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()
	return collectInvoices(rows)
}

func collectInvoices(rows *sql.Rows) ([]core.Invoice, error) {
	var invoices []core.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(s scanner) (*core.Invoice, error) {
	var inv core.Invoice
	var totalUSD, totalLBP, rate, discount, issued string
	var note, voided sql.NullString
	err := s.Scan(&inv.ID, &inv.InvoiceNumber, &inv.OrderID, &inv.CustomerID, &inv.Status,
		&totalUSD, &totalLBP, &rate, &discount, &note, &issued, &voided)
	if err != nil {
		return nil, err
	}
	inv.TotalUSD = parseDecimal(totalUSD)
	inv.TotalLBP = parseDecimal(totalLBP)
	inv.RateLBP = parseDecimal(rate)
	inv.DiscountUSD = parseDecimal(discount)
	inv.Note = note.String
	inv.IssuedAt = parseTime(issued)
	inv.VoidedAt = parseNullTime(voided)
	return &inv, nil
}

// =============================================================================
// PAYMENTS (core.PaymentRepo)
// =============================================================================

func (t *txStore) InsertPayment(ctx context.Context, p core.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, customer_id, method, amount_usd, amount_lbp,
			rate_lbp, received_by, received_at, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.InvoiceID, p.CustomerID, p.Method, p.AmountUSD.String(), p.AmountLBP.String(),
		p.RateLBP.String(), p.ReceivedBy, formatTime(p.ReceivedAt), nullString(p.Note))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (t *txStore) ListPayments(ctx context.Context, invoiceID core.InvoiceID) ([]core.Payment, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, invoice_id, customer_id, method, amount_usd, amount_lbp,
			rate_lbp, received_by, received_at, note
		FROM payments WHERE invoice_id = ?
		ORDER BY received_at, id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []core.Payment
	for rows.Next() {
		var p core.Payment
		var usd, lbp, rate, received string
		var note sql.NullString
		err := rows.Scan(&p.ID, &p.InvoiceID, &p.CustomerID, &p.Method, &usd, &lbp,
			&rate, &p.ReceivedBy, &received, &note)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.AmountUSD = parseDecimal(usd)
		p.AmountLBP = parseDecimal(lbp)
		p.RateLBP = parseDecimal(rate)
		p.ReceivedAt = parseTime(received)
		p.Note = note.String
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
