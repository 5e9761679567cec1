package stock

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/logging"
	"github.com/warp/van-ledger/metrics"
	"go.uber.org/zap"
)

// =============================================================================
// TRANSFER PROTOCOL - Two-party OTP confirmed warehouse <-> van movement
// =============================================================================
//
// A request carries two one-time codes. The agent reads theirs to the
// warehouse clerk and vice versa; each side confirms by typing the OTHER
// side's code. Stock moves exactly once, in the transaction whose
// confirmation makes both timestamps non-null:
//
//	Created --confirm--> PartiallyConfirmed --confirm--> Applied
//	   |                        |
//	 cancel                   (TTL)
//	   v                        v
//	Cancelled                Expired
//
// Expiry is observed lazily; nothing is written when the TTL passes.

const (
	DefaultOTPTTL    = 24 * time.Hour
	DefaultOTPLength = 6

	// OTP lengths outside this range fall back to DefaultOTPLength.
	MinOTPLength = 4
	MaxOTPLength = 12
)

// RateSource reports the active exchange rate. Transfers refuse to start
// while no rate is configured.
type RateSource interface {
	CurrentRate(ctx context.Context, tx core.Tx) (core.Rate, error)
}

type TransferOptions struct {
	TTL       time.Duration
	OTPLength int
	Clock     core.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type TransferProtocol struct {
	store     core.Store
	stock     *Ledger
	rates     RateSource
	ttl       time.Duration
	otpLength int
	clock     core.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewTransferProtocol(store core.Store, stock *Ledger, rates RateSource, opts TransferOptions) *TransferProtocol {
	p := &TransferProtocol{
		store:     store,
		stock:     stock,
		rates:     rates,
		ttl:       opts.TTL,
		otpLength: opts.OTPLength,
		clock:     opts.Clock,
		log:       logging.OrNop(opts.Logger).Named("transfer"),
		metrics:   opts.Metrics,
	}
	if p.ttl <= 0 {
		p.ttl = DefaultOTPTTL
	}
	if p.otpLength == 0 {
		p.otpLength = DefaultOTPLength
	}
	if p.otpLength < MinOTPLength || p.otpLength > MaxOTPLength {
		p.log.Warn("otp length out of range, using default",
			zap.Int("otp_length", p.otpLength),
			zap.Int("default", DefaultOTPLength))
		p.otpLength = DefaultOTPLength
	}
	if p.clock == nil {
		p.clock = core.SystemClock{}
	}
	return p
}

type TransferInput struct {
	Direction        core.TransferDirection
	InitiatorAgentID core.AgentID
	Items            []core.TransferItem
	Note             string
}

// TransferView is a request together with its state at read time.
type TransferView struct {
	Request core.TransferRequest
	State   core.TransferState
}

// ConfirmResult reports the outcome of one confirmation.
type ConfirmResult struct {
	TransferView
	// Applied is true only for the confirmation that moved the stock.
	Applied bool
}

// Create opens a transfer request and returns it with both codes.
func (p *TransferProtocol) Create(ctx context.Context, in TransferInput) (*core.TransferRequest, error) {
	if !in.Direction.Valid() {
		return nil, p.reject("create_transfer", core.Invalid("direction", "must be fulfillment or return, got %q", in.Direction))
	}
	if in.InitiatorAgentID == "" || in.InitiatorAgentID == core.WarehouseID {
		return nil, p.reject("create_transfer", core.Invalid("agent_id", "a van agent is required"))
	}
	items, err := mergeItems(in.Items)
	if err != nil {
		return nil, p.reject("create_transfer", err)
	}

	agentOTP, counterpartyOTP, err := p.otpPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate transfer codes: %w", err)
	}

	now := p.clock.Now()
	req := core.TransferRequest{
		ID:               core.TransferID(uuid.NewString()),
		Direction:        in.Direction,
		InitiatorAgentID: in.InitiatorAgentID,
		Items:            items,
		AgentOTP:         agentOTP,
		CounterpartyOTP:  counterpartyOTP,
		ExpiresAt:        now.Add(p.ttl),
		Note:             in.Note,
		CreatedAt:        now,
	}

	err = p.store.WithTx(ctx, func(tx core.Tx) error {
		if _, err := p.rates.CurrentRate(ctx, tx); err != nil {
			return err
		}
		agent, err := tx.GetAgent(ctx, in.InitiatorAgentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return core.Invalid("agent_id", "agent %s does not exist", in.InitiatorAgentID)
		}
		for _, item := range items {
			product, err := tx.GetProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if product == nil {
				return core.Invalid("items", "product %s does not exist", item.ProductID)
			}
		}
		return tx.InsertTransfer(ctx, req)
	})
	if err != nil {
		return nil, p.reject("create_transfer", err)
	}

	p.log.Info("transfer created",
		zap.String("transfer_id", string(req.ID)),
		zap.String("direction", string(req.Direction)),
		zap.String("agent_id", string(req.InitiatorAgentID)),
		zap.Int("items", len(req.Items)),
		zap.Time("expires_at", req.ExpiresAt))
	return &req, nil
}

// Confirm records party's confirmation. otp must be the other party's code.
// When this confirmation completes the pair, the stock moves in the same
// transaction; if any movement fails nothing is recorded.
func (p *TransferProtocol) Confirm(ctx context.Context, id core.TransferID, party core.Party, otp string) (*ConfirmResult, error) {
	if !party.Valid() {
		return nil, p.reject("confirm_transfer", core.Invalid("party", "must be agent or counterparty, got %q", party))
	}

	var result ConfirmResult
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		now := p.clock.Now()
		req, err := p.openRequest(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if req.ConfirmedAt(party) != nil {
			return core.Conflict(core.CodeAlreadyConfirmed, "%s already confirmed transfer %s", party, id)
		}
		if subtle.ConstantTimeCompare([]byte(otp), []byte(req.ExpectedOTP(party))) != 1 {
			return core.Invalid("otp", "code does not match")
		}

		ok, err := tx.MarkConfirmed(ctx, id, party, now)
		if err != nil {
			return err
		}
		if !ok {
			return core.Conflict(core.CodeAlreadyConfirmed, "%s already confirmed transfer %s", party, id)
		}

		req, err = tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if req.AgentConfirmedAt != nil && req.CounterpartyConfirmedAt != nil {
			completed, err := tx.MarkCompleted(ctx, id, now)
			if err != nil {
				return err
			}
			if completed {
				if err := p.apply(ctx, tx, *req); err != nil {
					return err
				}
				result.Applied = true
				req.CompletedAt = &now
			}
		}

		result.Request = *req
		result.State = req.StateAt(now)
		return nil
	})
	if err != nil {
		return nil, p.reject("confirm_transfer", err)
	}

	p.log.Info("transfer confirmed",
		zap.String("transfer_id", string(id)),
		zap.String("party", string(party)),
		zap.String("state", string(result.State)))
	if result.Applied {
		p.metrics.TransferCompleted(string(result.Request.Direction))
		p.log.Info("transfer applied",
			zap.String("transfer_id", string(id)),
			zap.String("from", string(result.Request.Source())),
			zap.String("to", string(result.Request.Destination())))
	}
	return &result, nil
}

// apply moves every item from the source holder to the destination.
func (p *TransferProtocol) apply(ctx context.Context, tx core.Tx, req core.TransferRequest) error {
	outReason, inReason := core.ReasonTransferOut, core.ReasonTransferIn
	if req.Direction == core.DirectionReturn {
		outReason, inReason = core.ReasonReturnOut, core.ReasonReturnIn
	}

	for _, item := range req.Items {
		err := p.stock.Debit(ctx, tx, Movement{
			HolderID:    req.Source(),
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			Reason:      outReason,
			ReferenceID: string(req.ID),
		})
		if err != nil {
			return err
		}
		err = p.stock.Credit(ctx, tx, Movement{
			HolderID:    req.Destination(),
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			Reason:      inReason,
			ReferenceID: string(req.ID),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Cancel withdraws a request. Only possible while neither side confirmed.
func (p *TransferProtocol) Cancel(ctx context.Context, id core.TransferID, actor string) (*TransferView, error) {
	var view TransferView
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		now := p.clock.Now()
		req, err := p.openRequest(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if req.AgentConfirmedAt != nil || req.CounterpartyConfirmedAt != nil {
			return core.Conflict(core.CodeTransferConfirmed, "transfer %s already has a confirmation", id)
		}

		ok, err := tx.MarkCancelled(ctx, id, actor, now)
		if err != nil {
			return err
		}
		if !ok {
			return core.Conflict(core.CodeTransferConfirmed, "transfer %s already has a confirmation", id)
		}

		req.CancelledAt = &now
		req.CancelledBy = actor
		view = TransferView{Request: *req, State: core.TransferCancelled}
		return nil
	})
	if err != nil {
		return nil, p.reject("cancel_transfer", err)
	}

	p.log.Info("transfer cancelled", zap.String("transfer_id", string(id)), zap.String("actor", actor))
	return &view, nil
}

// openRequest loads a request that can still change.
func (p *TransferProtocol) openRequest(ctx context.Context, tx core.Tx, id core.TransferID, now time.Time) (*core.TransferRequest, error) {
	req, err := tx.GetTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, core.NotFound("transfer", id)
	}
	switch req.StateAt(now) {
	case core.TransferApplied:
		return nil, &core.AlreadyCompletedError{TransferID: id}
	case core.TransferCancelled:
		return nil, core.Conflict(core.CodeTransferCancelled, "transfer %s was cancelled", id)
	case core.TransferExpired:
		return nil, &core.ExpiredError{TransferID: id}
	}
	return req, nil
}

// Get returns a request with its current state.
func (p *TransferProtocol) Get(ctx context.Context, id core.TransferID) (*TransferView, error) {
	var view TransferView
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		req, err := tx.GetTransfer(ctx, id)
		if err != nil {
			return err
		}
		if req == nil {
			return core.NotFound("transfer", id)
		}
		view = TransferView{Request: *req, State: req.StateAt(p.clock.Now())}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ListPending returns the agent's requests that can still be confirmed or
// cancelled.
func (p *TransferProtocol) ListPending(ctx context.Context, agentID core.AgentID) ([]TransferView, error) {
	var views []TransferView
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		now := p.clock.Now()
		requests, err := tx.ListOpenTransfers(ctx, agentID, now)
		if err != nil {
			return err
		}
		for _, req := range requests {
			views = append(views, TransferView{Request: req, State: req.StateAt(now)})
		}
		return nil
	})
	return views, err
}

// =============================================================================
// HELPERS
// =============================================================================

func mergeItems(items []core.TransferItem) ([]core.TransferItem, error) {
	if len(items) == 0 {
		return nil, core.Invalid("items", "at least one item is required")
	}
	index := make(map[core.ProductID]int, len(items))
	var merged []core.TransferItem
	for _, item := range items {
		if item.ProductID == "" {
			return nil, core.Invalid("items", "product_id is required")
		}
		if item.Quantity <= 0 {
			return nil, core.Invalid("items", "quantity for %s must be positive, got %d", item.ProductID, item.Quantity)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

// otpPair returns two distinct numeric codes.
func (p *TransferProtocol) otpPair() (string, string, error) {
	first, err := randomDigits(p.otpLength)
	if err != nil {
		return "", "", err
	}
	for {
		second, err := randomDigits(p.otpLength)
		if err != nil {
			return "", "", err
		}
		if second != first {
			return first, second, nil
		}
	}
}

func randomDigits(n int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}

func (p *TransferProtocol) reject(op string, err error) error {
	logRejection(p.log, p.metrics, op, err)
	return err
}
