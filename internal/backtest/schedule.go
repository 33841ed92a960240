package backtest

import "github.com/kestrelquant/portfolio-engine/internal/domain"

// Frequency selects the rebalance cadence.
type Frequency string

const (
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

// schedule returns every rebalance date in [start, end], stepping by one
// calendar month for Monthly or three for Quarterly. Weekends are not
// skipped here — the engine treats a rebalance date without a settled
// price as a gap and falls back to the most recent trading day at lookup
// time, the same way the cache does for any other as_of.
func schedule(start, end domain.Date, freq Frequency) []domain.Date {
	step := 1
	if freq == Quarterly {
		step = 3
	}

	var dates []domain.Date
	t := start.Time()
	endT := end.Time()
	for !t.After(endT) {
		dates = append(dates, domain.NewDate(t))
		t = t.AddDate(0, step, 0)
	}
	return dates
}
