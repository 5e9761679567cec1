package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/van-ledger/core"
	"go.uber.org/zap"
)

// RateProvider reads and appends the USD->LBP rate history. There is no
// built-in fallback: with no configured rate every money operation fails
// with a ConfigurationError.
type RateProvider struct {
	store core.Store
	clock core.Clock
	log   *zap.Logger
}

func NewRateProvider(store core.Store, opts Options) *RateProvider {
	opts = opts.withDefaults()
	return &RateProvider{
		store: store,
		clock: opts.Clock,
		log:   opts.Logger.Named("rates"),
	}
}

// CurrentRate returns the rate in force now, inside the caller's transaction.
func (p *RateProvider) CurrentRate(ctx context.Context, tx core.Tx) (core.Rate, error) {
	rate, err := tx.LatestRate(ctx, p.clock.Now())
	if err != nil {
		return core.Rate{}, err
	}
	if rate == nil || !rate.LBPPerUSD.IsPositive() {
		return core.Rate{}, core.ErrNoExchangeRate()
	}
	return *rate, nil
}

// Current is CurrentRate in its own transaction.
func (p *RateProvider) Current(ctx context.Context) (core.Rate, error) {
	var rate core.Rate
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		rate, err = p.CurrentRate(ctx, tx)
		return err
	})
	return rate, err
}

// SetRate appends a rate. A zero effective time means now.
func (p *RateProvider) SetRate(ctx context.Context, lbpPerUSD decimal.Decimal, effective time.Time, note string) (core.Rate, error) {
	if !lbpPerUSD.IsPositive() {
		return core.Rate{}, core.Invalid("rate_lbp", "must be positive, got %s", lbpPerUSD)
	}
	now := p.clock.Now()
	if effective.IsZero() {
		effective = now
	}

	rate := core.Rate{
		ID:            core.RateID(uuid.NewString()),
		LBPPerUSD:     lbpPerUSD,
		EffectiveDate: effective.UTC(),
		CreatedAt:     now,
		Note:          note,
	}
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		return tx.InsertRate(ctx, rate)
	})
	if err != nil {
		return core.Rate{}, err
	}

	p.log.Info("exchange rate set",
		zap.String("rate_id", string(rate.ID)),
		zap.String("rate_lbp", rate.LBPPerUSD.String()),
		zap.Time("effective_date", rate.EffectiveDate))
	return rate, nil
}

// History lists rates, newest effective first.
func (p *RateProvider) History(ctx context.Context, limit int) ([]core.Rate, error) {
	var rates []core.Rate
	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		rates, err = tx.ListRates(ctx, limit)
		return err
	})
	return rates, err
}
