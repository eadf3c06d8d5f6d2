package budget

import "time"

// PeriodKeyLayout renders a time as the calendar accounting key.
const PeriodKeyLayout = "2006-01"

// Period is the persisted spend ledger for one accounting month. Amounts are
// EUR. SpentAmount only grows within a period; it returns to zero solely by
// adopting a new period key.
type Period struct {
	PeriodKey   string
	SpentAmount float64
	CapAmount   float64
	WarnAmount  float64
	UpdatedAt   time.Time
}

// Status is the read model exposed to callers of the ledger.
type Status struct {
	PeriodKey string
	Spent     float64
	Cap       float64
	Warn      float64
	Warned    bool
	Allowed   bool
}

// PeriodKeyAt derives the accounting key for a moment in time, truncated to
// year-month in UTC.
func PeriodKeyAt(t time.Time) string {
	return t.UTC().Format(PeriodKeyLayout)
}
