// Package ledger tracks the balances a trading session owns and the realized
// result of every settled order.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
)

// dustEpsilon absorbs float error when a debit spends a whole balance.
const dustEpsilon = 1e-9

const maxRecentTrades = 500

// Trade is one settled order as seen by the ledger.
type Trade struct {
	OrderID  string
	Pair     domain.Pair
	Side     domain.Side
	Spent    string
	Debit    float64
	Acquired string
	Credit   float64
	At       time.Time
}

// Ledger is the session's balance book. All methods are safe for concurrent
// use; every mutation is serialized.
type Ledger struct {
	mu            sync.Mutex
	balances      map[string]float64
	startCurrency string
	startBalance  float64
	tradeCount    int
	recent        []Trade
	// reserved holds funds committed to orders whose outcome is unknown,
	// keyed by order ID.
	reserved map[string]reservation
	pl       float64
}

type reservation struct {
	currency string
	amount   float64
}

// New opens a ledger funded with startBalance of startCurrency. Additional
// currencies are tracked at zero.
func New(startCurrency string, startBalance float64, tracked ...string) *Ledger {
	l := &Ledger{
		balances:      map[string]float64{startCurrency: startBalance},
		reserved:      make(map[string]reservation),
		startCurrency: startCurrency,
		startBalance:  startBalance,
	}
	for _, c := range tracked {
		if _, ok := l.balances[c]; !ok {
			l.balances[c] = 0
		}
	}
	return l
}

// Track starts tracking currency at zero if it is not tracked yet.
func (l *Ledger) Track(currency string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[currency]; !ok {
		l.balances[currency] = 0
	}
}

// Sync overwrites tracked balances with externally observed values, e.g. the
// exchange account at startup. Currencies absent from observed are left alone.
func (l *Ledger) Sync(observed map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c, v := range observed {
		if _, ok := l.balances[c]; ok {
			l.balances[c] = v
		}
	}
	l.startBalance = l.balances[l.startCurrency]
	l.pl = 0
}

// Balance returns the spendable balance of currency: the tracked balance
// less any reservations.
func (l *Ledger) Balance(currency string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.balances[currency]
	return v - l.reservedLocked(currency), ok
}

// Balances returns a copy of every spendable balance.
func (l *Ledger) Balances() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v - l.reservedLocked(k)
	}
	return out
}

// Reserve sets aside amount of currency for orderID, an order that may
// still settle. Reserved funds are not spendable until the order settles
// through ApplySettledOrder or the reservation is released.
func (l *Ledger) Reserve(orderID, currency string, amount float64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved[orderID] = reservation{currency: currency, amount: amount}
}

// Release drops the reservation of orderID. It reports whether one existed.
func (l *Ledger) Release(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.reserved[orderID]
	delete(l.reserved, orderID)
	return ok
}

// Reserved returns the total reserved amount of currency.
func (l *Ledger) Reserved(currency string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedLocked(currency)
}

func (l *Ledger) reservedLocked(currency string) float64 {
	var sum float64
	for _, r := range l.reserved {
		if r.currency == currency {
			sum += r.amount
		}
	}
	return sum
}

// Currencies lists tracked currencies, sorted.
func (l *Ledger) Currencies() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.balances))
	for c := range l.balances {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CanSpend reports whether amount of currency is available.
func (l *Ledger) CanSpend(currency string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[currency]
	if !ok {
		return fmt.Errorf("ledger: %s: %w", currency, domain.ErrUntrackedCurrency)
	}
	bal -= l.reservedLocked(currency)
	if amount > bal+dustEpsilon {
		return fmt.Errorf("ledger: need %v %s, have %v: %w", amount, currency, bal, domain.ErrInsufficientBalance)
	}
	return nil
}

// ApplySettledOrder debits the order's required balance from the currency it
// spent and credits the amount it actually received. Both currencies must be
// tracked and the debit must not drive a balance negative. A reservation held
// for the order is consumed by the debit.
func (l *Ledger) ApplySettledOrder(o *domain.Order) error {
	spent, acquired := o.ExpectedOwned(), o.Acquiring()

	l.mu.Lock()
	defer l.mu.Unlock()

	from, ok := l.balances[spent]
	if !ok {
		return fmt.Errorf("ledger: apply %s: spent %s: %w", o.ID, spent, domain.ErrUntrackedCurrency)
	}
	to, ok := l.balances[acquired]
	if !ok {
		return fmt.Errorf("ledger: apply %s: acquired %s: %w", o.ID, acquired, domain.ErrUntrackedCurrency)
	}
	if o.RequiredBalance < 0 || o.ReceivedAmount < 0 {
		return fmt.Errorf("ledger: apply %s: negative amounts: %w", o.ID, domain.ErrInvariant)
	}

	after := from - o.RequiredBalance
	if after < -dustEpsilon {
		return fmt.Errorf("ledger: apply %s: %s would go to %v: %w", o.ID, spent, after, domain.ErrInvariant)
	}
	delete(l.reserved, o.ID)
	if after < 0 {
		after = 0
	}
	l.balances[spent] = after
	l.balances[acquired] = to + o.ReceivedAmount

	l.tradeCount++
	l.recent = append(l.recent, Trade{
		OrderID:  o.ID,
		Pair:     o.Pair,
		Side:     o.Side,
		Spent:    spent,
		Debit:    o.RequiredBalance,
		Acquired: acquired,
		Credit:   o.ReceivedAmount,
		At:       time.Now().UTC(),
	})
	if len(l.recent) > maxRecentTrades {
		l.recent = l.recent[len(l.recent)-maxRecentTrades:]
	}
	if l.startBalance > 0 {
		l.pl = (l.balances[l.startCurrency] - l.startBalance) / l.startBalance
	}
	return nil
}

// Trades returns the number of settled orders.
func (l *Ledger) Trades() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tradeCount
}

// RecentTrades returns up to n most recent trades, newest last.
func (l *Ledger) RecentTrades(n int) []Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	return append([]Trade(nil), l.recent[len(l.recent)-n:]...)
}

// PL returns realized profit as a fraction of the starting balance.
func (l *Ledger) PL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pl
}

// StartCurrency returns the currency the session is funded and measured in.
func (l *Ledger) StartCurrency() string { return l.startCurrency }
