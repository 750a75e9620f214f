package approval

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/shared"
)

// Action is the decision an approver can take.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Valid reports whether the action is one of the two known decisions.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

// Channel records how a decision arrived.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelEmail Channel = "email"
)

// TaskStatus enumerates approval task states.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskPartiallyApproved TaskStatus = "partially_approved"
	TaskApproved          TaskStatus = "approved"
	TaskRejected          TaskStatus = "rejected"
	TaskDelegated         TaskStatus = "delegated"
	TaskExpired           TaskStatus = "expired"
)

// Task is one step in an invoice's approval chain. ApproverID is the
// user who must act, already resolved through delegation; DelegatedTo
// keeps the originally assigned approver when a delegation applied.
type Task struct {
	ID              uuid.UUID
	InvoiceID       uuid.UUID
	ApproverID      uuid.UUID
	StepOrder       int
	RequiredCount   int
	Status          TaskStatus
	DueAt           time.Time
	DecidedAt       *time.Time
	DecisionChannel Channel
	Notes           string
	DelegatedTo     *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Token is a single-use credential for one-click email decisions. Only
// the HMAC hash of the raw token is stored.
type Token struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	TokenHash string
	Action    Action
	ExpiresAt time.Time
	IsUsed    bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Delegation temporarily hands one user's approval authority to another.
type Delegation struct {
	ID          uuid.UUID
	DelegatorID uuid.UUID
	DelegateID  uuid.UUID
	ValidFrom   time.Time
	ValidUntil  *time.Time
	IsActive    bool
}

// Covers reports whether the delegation is in force on the given date.
func (d Delegation) Covers(on time.Time) bool {
	if !d.IsActive {
		return false
	}
	day := on.Truncate(24 * time.Hour)
	if day.Before(d.ValidFrom.Truncate(24 * time.Hour)) {
		return false
	}
	if d.ValidUntil != nil && day.After(d.ValidUntil.Truncate(24*time.Hour)) {
		return false
	}
	return true
}

// MatrixRule defines who must approve invoices in an amount band,
// optionally narrowed by department and category. Nil bounds are
// unbounded; an empty department or category matches any invoice.
type MatrixRule struct {
	ID           uuid.UUID
	AmountMin    *float64
	AmountMax    *float64
	Department   string
	Category     string
	ApproverRole shared.Role
	StepOrder    int
	DueHours     int
	IsActive     bool
}

// ChainStep is one resolved step of an approval chain.
type ChainStep struct {
	StepOrder    int
	ApproverRole shared.Role
	DueHours     int
}

// BuildChain selects the matrix rules covering the invoice and returns
// the ordered approval steps. An invoice with no department only
// matches rules without one, and the same holds for category.
func BuildChain(matrix []MatrixRule, total float64, department, category string) []ChainStep {
	var steps []ChainStep
	for _, r := range matrix {
		if !r.IsActive {
			continue
		}
		if r.AmountMin != nil && total < *r.AmountMin {
			continue
		}
		if r.AmountMax != nil && total > *r.AmountMax {
			continue
		}
		if r.Department != "" && r.Department != department {
			continue
		}
		if department == "" && r.Department != "" {
			continue
		}
		if r.Category != "" && r.Category != category {
			continue
		}
		if category == "" && r.Category != "" {
			continue
		}
		steps = append(steps, ChainStep{StepOrder: r.StepOrder, ApproverRole: r.ApproverRole, DueHours: r.DueHours})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps
}
