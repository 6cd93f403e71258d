package usage

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is matched by every *BudgetExceededError.
var ErrBudgetExceeded = errors.New("budget exceeded")

// BudgetExceededError reports a tenant whose spend reached its ceiling.
type BudgetExceededError struct {
	TenantID string
	Used     float64
	Limit    float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("tenant %s: budget exceeded: used %.4f of %.4f", e.TenantID, e.Used, e.Limit)
}

func (e *BudgetExceededError) Unwrap() error {
	return ErrBudgetExceeded
}

// IsBudgetExceeded reports whether err is a budget refusal.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}
