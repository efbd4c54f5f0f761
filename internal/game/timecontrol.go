package game

import "time"

// TurnBudgetMode names a per-turn clock preset selectable at session
// creation.
type TurnBudgetMode string

const (
	BudgetBlitz     TurnBudgetMode = "blitz"
	BudgetStandard  TurnBudgetMode = "standard"
	BudgetRelaxed   TurnBudgetMode = "relaxed"
	BudgetUnlimited TurnBudgetMode = "unlimited"
)

// TurnBudget resolves a preset to a duration. Zero means no turn clock.
func TurnBudget(mode TurnBudgetMode) time.Duration {
	switch mode {
	case BudgetBlitz:
		return 10 * time.Second
	case BudgetStandard:
		return 30 * time.Second
	case BudgetRelaxed:
		return 2 * time.Minute
	case BudgetUnlimited:
		return 0
	default:
		return 30 * time.Second
	}
}
