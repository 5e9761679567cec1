package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/van-ledger/core"
	"go.uber.org/zap"
)

// =============================================================================
// PAYMENT ALLOCATOR
// =============================================================================
//
// Cash collected from a customer is spread over their open invoices, oldest
// issued first. Dollars are consumed before pounds. Each invoice touched
// gets one payment row per currency slice, and both amounts are stored on
// every row: the amount collected and its equivalent at the current rate.
//
//	payment $12 + 450,000 LBP at 90,000 = $17.00
//	INV-1 remaining $10.00  <- cash_usd $10.00
//	INV-2 remaining  $4.00  <- cash_usd  $2.00, cash_lbp 180,000
//	leftover 270,000 LBP    -> account_balance_lbp -= 270,000 (credit)

type PaymentAllocator struct {
	store core.Store
	rates *RateProvider
	opts  Options
	log   *zap.Logger
}

func NewPaymentAllocator(store core.Store, rates *RateProvider, opts Options) *PaymentAllocator {
	opts = opts.withDefaults()
	return &PaymentAllocator{
		store: store,
		rates: rates,
		opts:  opts,
		log:   opts.Logger.Named("payments"),
	}
}

type ApplyInput struct {
	CustomerID core.CustomerID
	AmountUSD  decimal.Decimal
	AmountLBP  decimal.Decimal
	ReceivedBy string
	Note       string
}

// Allocation is what one invoice received from an applied payment.
type Allocation struct {
	InvoiceID     core.InvoiceID
	InvoiceNumber string
	AppliedUSD    decimal.Decimal
	Payments      []core.Payment
	Balance       core.InvoiceBalance
}

type AllocationResult struct {
	CustomerID      core.CustomerID
	RateLBP         decimal.Decimal
	TotalPaymentUSD decimal.Decimal
	Allocations     []Allocation
	// CreditedLBP is the leftover added to the customer's prepaid credit.
	CreditedLBP decimal.Decimal
}

// Apply allocates a payment across the customer's open invoices. Whatever
// is left after the last open invoice becomes customer credit.
func (a *PaymentAllocator) Apply(ctx context.Context, in ApplyInput) (*AllocationResult, error) {
	var result *AllocationResult
	err := a.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		result, err = a.applyTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, a.reject("apply_payment", err)
	}
	a.allocated(result)
	return result, nil
}

func (a *PaymentAllocator) applyTx(ctx context.Context, tx core.Tx, in ApplyInput) (*AllocationResult, error) {
	if err := checkAmounts(in.AmountUSD, in.AmountLBP); err != nil {
		return nil, err
	}
	if err := a.requireCustomer(ctx, tx, in.CustomerID); err != nil {
		return nil, err
	}
	rate, err := a.rates.CurrentRate(ctx, tx)
	if err != nil {
		return nil, err
	}

	usdLeft := core.RoundUSD(in.AmountUSD)
	lbpLeft := core.RoundLBP(in.AmountLBP)
	result := &AllocationResult{
		CustomerID:      in.CustomerID,
		RateLBP:         rate.LBPPerUSD,
		TotalPaymentUSD: usdLeft.Add(core.ToUSD(lbpLeft, rate)),
		CreditedLBP:     decimal.Zero,
	}

	invoices, err := tx.ListUnsettledInvoices(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}

	now := a.opts.Clock.Now()
	for _, inv := range invoices {
		if !usdLeft.IsPositive() && !lbpLeft.IsPositive() {
			break
		}
		existing, err := tx.ListPayments(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		balance := core.NewInvoiceBalance(inv, existing, a.opts.PaymentEpsilon)
		if balance.Settled {
			continue
		}

		need := balance.RemainingUSD
		alloc := Allocation{InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber, AppliedUSD: decimal.Zero}

		if usdLeft.IsPositive() && need.IsPositive() {
			slice := decimal.Min(usdLeft, need)
			alloc.Payments = append(alloc.Payments, core.Payment{
				Method:    core.MethodCashUSD,
				AmountUSD: slice,
				AmountLBP: core.ToLBP(slice, rate),
			})
			usdLeft = usdLeft.Sub(slice)
			need = need.Sub(slice)
			alloc.AppliedUSD = alloc.AppliedUSD.Add(slice)
		}

		if lbpLeft.IsPositive() && need.IsPositive() {
			sliceLBP, sliceUSD := lbpLeft, core.ToUSD(lbpLeft, rate)
			if sliceUSD.GreaterThan(need) {
				sliceLBP = decimal.Min(core.ToLBP(need, rate), lbpLeft)
				sliceUSD = need
			}
			alloc.Payments = append(alloc.Payments, core.Payment{
				Method:    core.MethodCashLBP,
				AmountUSD: sliceUSD,
				AmountLBP: sliceLBP,
			})
			lbpLeft = lbpLeft.Sub(sliceLBP)
			alloc.AppliedUSD = alloc.AppliedUSD.Add(sliceUSD)
		}

		if len(alloc.Payments) == 0 {
			continue
		}
		for i := range alloc.Payments {
			p := &alloc.Payments[i]
			p.ID = core.PaymentID(uuid.NewString())
			p.InvoiceID = inv.ID
			p.CustomerID = in.CustomerID
			p.RateLBP = rate.LBPPerUSD
			p.ReceivedBy = in.ReceivedBy
			p.ReceivedAt = now
			p.Note = in.Note
			if err := tx.InsertPayment(ctx, *p); err != nil {
				return nil, err
			}
		}

		alloc.Balance = core.NewInvoiceBalance(inv, append(existing, alloc.Payments...), a.opts.PaymentEpsilon)
		if err := a.markPaidIfSettled(ctx, tx, inv, alloc.Balance); err != nil {
			return nil, err
		}
		result.Allocations = append(result.Allocations, alloc)
	}

	leftoverLBP := core.ToLBP(usdLeft, rate).Add(lbpLeft)
	if leftoverLBP.IsPositive() {
		if err := tx.AddToBalance(ctx, in.CustomerID, leftoverLBP.Neg()); err != nil {
			return nil, err
		}
		result.CreditedLBP = leftoverLBP
	}
	return result, nil
}

// =============================================================================
// MANUAL PAYMENT
// =============================================================================

type ManualPaymentInput struct {
	InvoiceID  core.InvoiceID
	CustomerID core.CustomerID
	Method     core.PaymentMethod
	AmountUSD  decimal.Decimal // used by every method except cash_lbp
	AmountLBP  decimal.Decimal // used by cash_lbp
	ReceivedBy string
	Note       string
}

type PaymentResult struct {
	Payment core.Payment
	Balance core.InvoiceBalance
}

// PayInvoice records a payment against one invoice. It never overflows: a
// payment larger than what remains is refused rather than turned into credit.
func (a *PaymentAllocator) PayInvoice(ctx context.Context, in ManualPaymentInput) (*PaymentResult, error) {
	var result *PaymentResult
	err := a.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		result, err = a.payInvoiceTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, a.reject("pay_invoice", err)
	}
	a.recorded(result.Payment)
	return result, nil
}

func (a *PaymentAllocator) payInvoiceTx(ctx context.Context, tx core.Tx, in ManualPaymentInput) (*PaymentResult, error) {
	if !in.Method.Valid() {
		return nil, core.Invalid("method", "unknown payment method %q", in.Method)
	}
	if in.Method == core.MethodAccountCredit {
		return nil, core.Invalid("method", "use the credit endpoint to pay from account credit")
	}
	if err := checkAmounts(in.AmountUSD, in.AmountLBP); err != nil {
		return nil, err
	}
	if in.Method == core.MethodCashLBP && !core.RoundLBP(in.AmountLBP).IsPositive() {
		return nil, core.Invalid("amount_lbp", "cash_lbp payments need a positive LBP amount")
	}
	if in.Method != core.MethodCashLBP && !core.RoundUSD(in.AmountUSD).IsPositive() {
		return nil, core.Invalid("amount_usd", "%s payments need a positive USD amount", in.Method)
	}

	inv, existing, balance, err := a.payableInvoice(ctx, tx, in.InvoiceID, in.CustomerID)
	if err != nil {
		return nil, err
	}
	rate, err := a.rates.CurrentRate(ctx, tx)
	if err != nil {
		return nil, err
	}

	payment := core.Payment{
		ID:         core.PaymentID(uuid.NewString()),
		InvoiceID:  inv.ID,
		CustomerID: in.CustomerID,
		Method:     in.Method,
		RateLBP:    rate.LBPPerUSD,
		ReceivedBy: in.ReceivedBy,
		ReceivedAt: a.opts.Clock.Now(),
		Note:       in.Note,
	}
	if in.Method == core.MethodCashLBP {
		payment.AmountLBP = core.RoundLBP(in.AmountLBP)
		payment.AmountUSD = core.ToUSD(payment.AmountLBP, rate)
		// The limit follows the USD remainder at today's rate; the invoice's
		// own LBP total was frozen at an older one.
		if payment.AmountUSD.Sub(balance.RemainingUSD).GreaterThan(a.opts.PaymentEpsilon) {
			return nil, core.Invalid("amount_lbp", "payment of %s LBP exceeds the remaining %s LBP on %s",
				payment.AmountLBP, core.ToLBP(balance.RemainingUSD, rate), inv.InvoiceNumber)
		}
	} else {
		payment.AmountUSD = core.RoundUSD(in.AmountUSD)
		payment.AmountLBP = core.ToLBP(payment.AmountUSD, rate)
		if payment.AmountUSD.Sub(balance.RemainingUSD).GreaterThan(a.opts.PaymentEpsilon) {
			return nil, core.Invalid("amount_usd", "payment of $%s exceeds the remaining $%s on %s",
				payment.AmountUSD.StringFixed(2), balance.RemainingUSD.StringFixed(2), inv.InvoiceNumber)
		}
	}

	if err := tx.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	balance = core.NewInvoiceBalance(*inv, append(existing, payment), a.opts.PaymentEpsilon)
	if err := a.markPaidIfSettled(ctx, tx, *inv, balance); err != nil {
		return nil, err
	}
	return &PaymentResult{Payment: payment, Balance: balance}, nil
}

// =============================================================================
// PAY FROM CREDIT
// =============================================================================

type CreditInput struct {
	InvoiceID  core.InvoiceID
	CustomerID core.CustomerID
	AmountUSD  decimal.Decimal
	ReceivedBy string
}

// ApplyCredit pays an invoice from the customer's prepaid credit.
func (a *PaymentAllocator) ApplyCredit(ctx context.Context, in CreditInput) (*PaymentResult, error) {
	var result *PaymentResult
	err := a.store.WithTx(ctx, func(tx core.Tx) error {
		if !core.RoundUSD(in.AmountUSD).IsPositive() {
			return core.Invalid("amount_usd", "must be positive, got %s", in.AmountUSD)
		}
		inv, existing, balance, err := a.payableInvoice(ctx, tx, in.InvoiceID, in.CustomerID)
		if err != nil {
			return err
		}
		rate, err := a.rates.CurrentRate(ctx, tx)
		if err != nil {
			return err
		}
		customer, err := tx.GetCustomer(ctx, in.CustomerID)
		if err != nil {
			return err
		}

		amountUSD := core.RoundUSD(in.AmountUSD)
		amountLBP := core.ToLBP(amountUSD, rate)
		if amountUSD.Sub(balance.RemainingUSD).GreaterThan(a.opts.PaymentEpsilon) {
			return core.Invalid("amount_usd", "credit of $%s exceeds the remaining $%s on %s",
				amountUSD.StringFixed(2), balance.RemainingUSD.StringFixed(2), inv.InvoiceNumber)
		}
		if customer.CreditLBP().LessThan(amountLBP) {
			return core.Conflict(core.CodeInsufficientCredit, "customer %s has %s LBP credit, %s LBP needed",
				in.CustomerID, customer.CreditLBP(), amountLBP)
		}

		payment := core.Payment{
			ID:         core.PaymentID(uuid.NewString()),
			InvoiceID:  inv.ID,
			CustomerID: in.CustomerID,
			Method:     core.MethodAccountCredit,
			AmountUSD:  amountUSD,
			AmountLBP:  amountLBP,
			RateLBP:    rate.LBPPerUSD,
			ReceivedBy: in.ReceivedBy,
			ReceivedAt: a.opts.Clock.Now(),
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.AddToBalance(ctx, in.CustomerID, amountLBP); err != nil {
			return err
		}
		balance = core.NewInvoiceBalance(*inv, append(existing, payment), a.opts.PaymentEpsilon)
		if err := a.markPaidIfSettled(ctx, tx, *inv, balance); err != nil {
			return err
		}
		result = &PaymentResult{Payment: payment, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, a.reject("apply_credit", err)
	}
	a.recorded(result.Payment)
	return result, nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account summarises what a customer owes and holds.
type Account struct {
	Customer       core.Customer
	OpenInvoices   []InvoiceView
	OutstandingUSD decimal.Decimal
	CreditLBP      decimal.Decimal
}

func (a *PaymentAllocator) Account(ctx context.Context, customerID core.CustomerID) (*Account, error) {
	var account Account
	err := a.store.WithTx(ctx, func(tx core.Tx) error {
		customer, err := tx.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return core.NotFound("customer", customerID)
		}
		account.Customer = *customer
		account.CreditLBP = customer.CreditLBP()
		account.OutstandingUSD = decimal.Zero

		invoices, err := tx.ListUnsettledInvoices(ctx, customerID)
		if err != nil {
			return err
		}
		for _, inv := range invoices {
			payments, err := tx.ListPayments(ctx, inv.ID)
			if err != nil {
				return err
			}
			balance := core.NewInvoiceBalance(inv, payments, a.opts.PaymentEpsilon)
			if balance.Settled {
				continue
			}
			account.OpenInvoices = append(account.OpenInvoices, InvoiceView{Invoice: inv, Payments: payments, Balance: balance})
			account.OutstandingUSD = account.OutstandingUSD.Add(balance.OutstandingUSD())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// checkAmounts validates amounts as they will be stored: 0.004 USD rounds
// to nothing and is refused.
func checkAmounts(usd, lbp decimal.Decimal) error {
	if usd.IsNegative() {
		return core.Invalid("amount_usd", "must not be negative, got %s", usd)
	}
	if lbp.IsNegative() {
		return core.Invalid("amount_lbp", "must not be negative, got %s", lbp)
	}
	if !core.RoundUSD(usd).IsPositive() && !core.RoundLBP(lbp).IsPositive() {
		return core.Invalid("amount", "a positive USD or LBP amount is required")
	}
	return nil
}

func (a *PaymentAllocator) requireCustomer(ctx context.Context, tx core.Tx, id core.CustomerID) error {
	if id == "" {
		return core.Invalid("customer_id", "is required")
	}
	customer, err := tx.GetCustomer(ctx, id)
	if err != nil {
		return err
	}
	if customer == nil {
		return core.NotFound("customer", id)
	}
	return nil
}

// payableInvoice loads an invoice that customerID may still pay.
func (a *PaymentAllocator) payableInvoice(
	ctx context.Context,
	tx core.Tx,
	id core.InvoiceID,
	customerID core.CustomerID,
) (*core.Invoice, []core.Payment, core.InvoiceBalance, error) {
	inv, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return nil, nil, core.InvoiceBalance{}, err
	}
	if inv == nil {
		return nil, nil, core.InvoiceBalance{}, core.NotFound("invoice", id)
	}
	if inv.Status == core.InvoiceVoided {
		return nil, nil, core.InvoiceBalance{}, core.Conflict(core.CodeInvoiceVoided, "invoice %s is voided", inv.InvoiceNumber)
	}
	if inv.CustomerID != customerID {
		return nil, nil, core.InvoiceBalance{}, core.Invalid("customer_id", "invoice %s belongs to another customer", inv.InvoiceNumber)
	}

	payments, err := tx.ListPayments(ctx, id)
	if err != nil {
		return nil, nil, core.InvoiceBalance{}, err
	}
	balance := core.NewInvoiceBalance(*inv, payments, a.opts.PaymentEpsilon)
	if inv.Status == core.InvoicePaid || balance.Settled {
		return nil, nil, core.InvoiceBalance{}, core.Conflict(core.CodeInvoicePaid, "invoice %s is already paid", inv.InvoiceNumber)
	}
	return inv, payments, balance, nil
}

func (a *PaymentAllocator) markPaidIfSettled(ctx context.Context, tx core.Tx, inv core.Invoice, balance core.InvoiceBalance) error {
	if !balance.Settled || inv.Status == core.InvoicePaid {
		return nil
	}
	_, err := tx.SetInvoiceStatus(ctx, inv.ID, []core.InvoiceStatus{core.InvoiceIssued}, core.InvoicePaid)
	return err
}

func (a *PaymentAllocator) allocated(r *AllocationResult) {
	for _, alloc := range r.Allocations {
		for _, p := range alloc.Payments {
			a.recorded(p)
		}
	}
	a.opts.Metrics.CreditAdded(r.CreditedLBP)
	a.log.Info("payment allocated",
		zap.String("customer_id", string(r.CustomerID)),
		zap.String("total_usd", r.TotalPaymentUSD.StringFixed(2)),
		zap.Int("invoices", len(r.Allocations)),
		zap.String("credited_lbp", r.CreditedLBP.String()))
}

func (a *PaymentAllocator) recorded(p core.Payment) {
	a.opts.Metrics.PaymentRecorded(string(p.Method))
	a.log.Info("payment recorded",
		zap.String("payment_id", string(p.ID)),
		zap.String("invoice_id", string(p.InvoiceID)),
		zap.String("method", string(p.Method)),
		zap.String("amount_usd", p.AmountUSD.StringFixed(2)),
		zap.String("amount_lbp", p.AmountLBP.String()))
}

func (a *PaymentAllocator) reject(op string, err error) error {
	return reject(a.log, a.opts.Metrics, op, err)
}
