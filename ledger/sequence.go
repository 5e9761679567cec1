package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/logging"
	"go.uber.org/zap"
)

// Sequence scopes. Orders and invoices of the same (customer, agent) pair
// count independently.
const (
	ScopeOrder   = "order"
	ScopeInvoice = "invoice"
)

const (
	defaultSequenceAttempts = 3
	sequenceBaseDelay       = 5 * time.Millisecond
)

// SequenceAllocator hands out human-readable document numbers.
type SequenceAllocator struct {
	maxAttempts int
	baseDelay   time.Duration
	log         *zap.Logger
}

func NewSequenceAllocator(maxAttempts int, log *zap.Logger) *SequenceAllocator {
	if maxAttempts <= 0 {
		maxAttempts = defaultSequenceAttempts
	}
	return &SequenceAllocator{
		maxAttempts: maxAttempts,
		baseDelay:   sequenceBaseDelay,
		log:         logging.OrNop(log),
	}
}

// FormatNumber renders a document number for a scope.
//
//	order:   {customer}-{agent}-{seq}
//	invoice: INV-{customer}-{agent}-{seq}
func FormatNumber(scope string, customerID core.CustomerID, agentID core.AgentID, seq int64) string {
	number := fmt.Sprintf("%s-%s-%d", customerID, agentID, seq)
	if scope == ScopeInvoice {
		return "INV-" + number
	}
	return number
}

// Allocate draws the next number and passes it to insert. If insert reports
// core.ErrDuplicateNumber a fresh number is drawn after a short backoff.
// The number that insert accepted is returned; after maxAttempts collisions
// the result is a ConflictError with CodeSequenceExhausted.
func (a *SequenceAllocator) Allocate(
	ctx context.Context,
	tx core.Tx,
	scope string,
	customerID core.CustomerID,
	agentID core.AgentID,
	insert func(number string) error,
) (string, error) {
	delay := a.baseDelay
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		seq, err := tx.NextSequence(ctx, scope, customerID, agentID)
		if err != nil {
			return "", err
		}
		number := FormatNumber(scope, customerID, agentID, seq)

		err = insert(number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, core.ErrDuplicateNumber) {
			return "", err
		}

		a.log.Warn("document number collision",
			zap.String("scope", scope),
			zap.String("number", number),
			zap.Int("attempt", attempt))

		if attempt == a.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return "", core.Conflict(core.CodeSequenceExhausted,
		"could not allocate a unique %s number for %s/%s after %d attempts",
		scope, customerID, agentID, a.maxAttempts)
}
