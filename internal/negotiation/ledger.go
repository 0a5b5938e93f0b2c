package negotiation

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/route-negotiation/internal/models"
)

// Ledger is the append-only, per-request ordered record of offers.
// Sequence numbers start at 1 and increase by one per request.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string][]models.NegotiationOffer
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string][]models.NegotiationOffer)}
}

// Append records an offer and assigns it the next sequence number. Two
// consecutive offers by the same party are refused.
func (l *Ledger) Append(requestID string, by models.Party, amount decimal.Decimal, note *string, at time.Time) (models.NegotiationOffer, error) {
	if err := CheckAmount(amount); err != nil {
		return models.NegotiationOffer{}, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	hist := l.entries[requestID]
	if n := len(hist); n > 0 && hist[n-1].OfferedBy == by {
		return models.NegotiationOffer{}, fmt.Errorf("%w: %s already holds the latest offer", ErrInvalidTransition, by)
	}
	o := models.NegotiationOffer{
		RequestID:      requestID,
		SequenceNumber: len(hist) + 1,
		OfferedBy:      by,
		Amount:         amount,
		Note:           copyNote(note),
		Timestamp:      at,
	}
	l.entries[requestID] = append(hist, o)
	return o, nil
}

// History returns a copy of the offers for requestID in sequence order.
func (l *Ledger) History(requestID string) []models.NegotiationOffer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := l.entries[requestID]
	out := make([]models.NegotiationOffer, len(hist))
	for i, o := range hist {
		o.Note = copyNote(o.Note)
		out[i] = o
	}
	return out
}

func (l *Ledger) Latest(requestID string) (models.NegotiationOffer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := l.entries[requestID]
	if len(hist) == 0 {
		return models.NegotiationOffer{}, false
	}
	return hist[len(hist)-1], true
}

func copyNote(n *string) *string {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
