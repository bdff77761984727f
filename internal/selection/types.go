package selection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Algorithm selects the strategy used to compute the initial turn order.
type Algorithm string

const (
	AlgorithmManual       Algorithm = "manual"
	AlgorithmFairRotation Algorithm = "fair_rotation"
	AlgorithmQuotaBased   Algorithm = "quota_based"
)

func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmManual, AlgorithmFairRotation, AlgorithmQuotaBased:
		return true
	}
	return false
}

// ParseAlgorithm validates a wire value.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.TrimSpace(strings.ToLower(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown algorithm %q: %w", s, ErrInvalidInput)
	}
	return a, nil
}

// Status is the lifecycle state of a selection process. Transitions only move
// forward; completed and cancelled are terminal.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusDraft:     {StatusActive},
	StatusActive:    {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransitionTo reports whether the status machine permits moving to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(statusTransitions[s]) == 0
}

// Deletable reports whether a process in this status may be removed.
// Active and completed processes are never deletable.
func (s Status) Deletable() bool {
	return s == StatusDraft || s == StatusCancelled
}

// Member identifies a stable member eligible for a turn.
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Turn is one member's ordered slot within a process. Order is 1-based and
// contiguous within a process.
type Turn struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
	Order     int    `json:"order"`
	Completed bool   `json:"completed"`
}

// Process is a bounded-time rotation of responsibility among stable members.
type Process struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	StableID       string         `json:"stable_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	StartDate      Date           `json:"selection_start_date"`
	EndDate        Date           `json:"selection_end_date"`
	Algorithm      Algorithm      `json:"algorithm"`
	Status         Status         `json:"status"`
	Turns          []Turn         `json:"turns"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CurrentTurn returns the lowest-order incomplete turn. Only an active
// process has a current turn.
func (p *Process) CurrentTurn() (Turn, bool) {
	if p.Status != StatusActive {
		return Turn{}, false
	}
	best := Turn{}
	found := false
	for _, t := range p.Turns {
		if t.Completed {
			continue
		}
		if !found || t.Order < best.Order {
			best = t
			found = true
		}
	}
	return best, found
}

// IsCurrentHolder reports whether userID holds the current turn.
func (p *Process) IsCurrentHolder(userID string) bool {
	cur, ok := p.CurrentTurn()
	return ok && cur.UserID == userID
}

// CompletedTurnsCount counts turns already completed.
func (p *Process) CompletedTurnsCount() int {
	n := 0
	for _, t := range p.Turns {
		if t.Completed {
			n++
		}
	}
	return n
}

// TurnsAhead counts incomplete turns ordered before the viewer's own
// incomplete turn. The second result is false when the viewer has no
// incomplete turn.
func (p *Process) TurnsAhead(userID string) (int, bool) {
	own := 0
	found := false
	for _, t := range p.Turns {
		if t.UserID == userID && !t.Completed {
			if !found || t.Order < own {
				own = t.Order
				found = true
			}
		}
	}
	if !found {
		return 0, false
	}
	ahead := 0
	for _, t := range p.Turns {
		if !t.Completed && t.Order < own {
			ahead++
		}
	}
	return ahead, true
}

// DateRange renders the selection window for display.
func (p *Process) DateRange() string {
	return p.StartDate.String() + " to " + p.EndDate.String()
}

// WindowDays returns the inclusive length of the selection window in days.
func (p *Process) WindowDays() int {
	return windowDays(p.StartDate, p.EndDate)
}

// ContainsDate reports whether d falls inside the selection window.
func (p *Process) ContainsDate(d Date) bool {
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

func windowDays(start, end Date) int {
	return start.DaysUntil(end) + 1
}

// ValidateTurnOrder checks that orders are exactly 1..N with no gaps or
// duplicates.
func ValidateTurnOrder(turns []Turn) error {
	seen := make(map[int]bool, len(turns))
	for _, t := range turns {
		if t.Order < 1 || t.Order > len(turns) {
			return fmt.Errorf("turn order %d outside 1..%d: %w", t.Order, len(turns), ErrInvalidInput)
		}
		if seen[t.Order] {
			return fmt.Errorf("duplicate turn order %d: %w", t.Order, ErrInvalidInput)
		}
		seen[t.Order] = true
	}
	return nil
}

// ProcessSummary is the list-view projection of a process.
type ProcessSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	StableID       string    `json:"stable_id"`
	Status         Status    `json:"status"`
	Algorithm      Algorithm `json:"algorithm"`
	StartDate      Date      `json:"selection_start_date"`
	EndDate        Date      `json:"selection_end_date"`
	TurnCount      int       `json:"turn_count"`
	CompletedTurns int       `json:"completed_turns"`
}

// ProcessContext is a process plus viewer-derived flags computed by the
// backend from the caller's identity.
type ProcessContext struct {
	Process       Process `json:"process"`
	CanManage     bool    `json:"can_manage"`
	IsCurrentTurn bool    `json:"is_current_turn"`
	HasTurn       bool    `json:"has_turn"`
	TurnsAhead    int     `json:"turns_ahead"`
}

// ComputeTurnOrderInput names the inputs of a turn-order computation.
type ComputeTurnOrderInput struct {
	StableID  string    `json:"stable_id"`
	Algorithm Algorithm `json:"algorithm"`
	MemberIDs []string  `json:"member_ids"`
	StartDate Date      `json:"selection_start_date"`
	EndDate   Date      `json:"selection_end_date"`
}

// ComputedTurnOrder is the ordered result of a turn-order computation.
// Metadata carries algorithm-specific facts and never drives transitions.
type ComputedTurnOrder struct {
	Turns    []Member       `json:"turns"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateProcessInput is the submission payload of the creation wizard.
type CreateProcessInput struct {
	OrganizationID string    `json:"organization_id"`
	StableID       string    `json:"stable_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	StartDate      Date      `json:"selection_start_date"`
	EndDate        Date      `json:"selection_end_date"`
	Algorithm      Algorithm `json:"algorithm"`
	MemberOrder    []string  `json:"member_order"`
}

// CompleteTurnResult reports whether completing a turn finished the process.
type CompleteTurnResult struct {
	ProcessCompleted bool `json:"process_completed"`
}

// Validation limits enforced on creation and date edits.
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
	MinMembers           = 2
	DefaultMaxWindowDays = 92
)

var (
	ErrNotFound       = errors.New("selection: not found")
	ErrInvalidInput   = errors.New("selection: invalid input")
	ErrUnauthorized   = errors.New("selection: unauthorized")
	ErrInvalidStatus  = errors.New("selection: invalid status for operation")
	ErrNotCurrentTurn = errors.New("selection: caller does not hold the current turn")
)
