package tracker

import (
	"sync"

	"github.com/shopspring/decimal"

	"solana-token-tracker/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// priceMove is the outcome of comparing two prices against thresholds.
type priceMove struct {
	Type    domain.AlertType
	Percent decimal.Decimal
}

// evaluateMove computes (new-old)/old*100 and reports an alert when the move
// reaches the threshold for its direction. No move is computed when old <= 0.
func evaluateMove(oldPrice, newPrice float64, th domain.Thresholds) (priceMove, bool) {
	if oldPrice <= 0 {
		return priceMove{}, false
	}
	old := decimal.NewFromFloat(oldPrice)
	pct := decimal.NewFromFloat(newPrice).Sub(old).Div(old).Mul(hundred)

	switch {
	case pct.IsPositive() && pct.GreaterThanOrEqual(decimal.NewFromFloat(th.Up)):
		return priceMove{Type: domain.AlertIncrease, Percent: pct}, true
	case pct.IsNegative() && pct.Neg().GreaterThanOrEqual(decimal.NewFromFloat(th.Down)):
		return priceMove{Type: domain.AlertDecrease, Percent: pct}, true
	}
	return priceMove{}, false
}

// alertRing keeps the most recent alerts.
type alertRing struct {
	mu    sync.Mutex
	items []domain.Alert
	size  int
}

func newAlertRing(size int) *alertRing {
	return &alertRing{size: size}
}

// add stores a unless it repeats the latest alert for the same mint. Returns false for a repeat.
func (r *alertRing) add(a domain.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.items) - 1; i >= 0; i-- {
		prev := r.items[i]
		if prev.MintAddress != a.MintAddress {
			continue
		}
		if prev.Type == a.Type && prev.OldPrice == a.OldPrice && prev.NewPrice == a.NewPrice {
			return false
		}
		break
	}

	r.items = append(r.items, a)
	if len(r.items) > r.size {
		r.items = append([]domain.Alert(nil), r.items[len(r.items)-r.size:]...)
	}
	return true
}

// recent returns up to limit alerts, newest first. limit <= 0 returns all.
func (r *alertRing) recent(limit int) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Alert, 0, n)
	for i := len(r.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.items[i])
	}
	return out
}

// txRing keeps the most recent pushed transactions.
type txRing struct {
	mu    sync.Mutex
	items []domain.Transaction
	size  int
}

func newTxRing(size int) *txRing {
	return &txRing{size: size}
}

func (r *txRing) add(tx domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, tx)
	if len(r.items) > r.size {
		r.items = append([]domain.Transaction(nil), r.items[len(r.items)-r.size:]...)
	}
}

// recent returns up to limit transactions for mint (all mints when empty), newest first.
func (r *txRing) recent(mint string, limit int) []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Transaction
	for i := len(r.items) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if mint != "" && r.items[i].MintAddress != mint {
			continue
		}
		out = append(out, r.items[i])
	}
	return out
}

// dropMint removes every transaction of mint.
func (r *txRing) dropMint(mint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	for _, tx := range r.items {
		if tx.MintAddress != mint {
			kept = append(kept, tx)
		}
	}
	r.items = kept
}
