package feedback

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies the correction that was captured.
type Type string

const (
	TypeFieldCorrection     Type = "field_correction"
	TypeGLCorrection        Type = "gl_correction"
	TypeExceptionCorrection Type = "exception_correction"
)

// Entry is one recorded human correction of AI output.
type Entry struct {
	ID         uuid.UUID
	Type       Type
	EntityType string
	EntityID   uuid.UUID
	FieldName  string
	OldValue   *string
	NewValue   *string
	ActorID    *uuid.UUID
	ActorEmail string
	InvoiceID  *uuid.UUID
	VendorID   *uuid.UUID
	CreatedAt  time.Time
}

// RecommendationStatus is the review state of a recommendation.
type RecommendationStatus string

const (
	RecommendationPending  RecommendationStatus = "pending"
	RecommendationAccepted RecommendationStatus = "accepted"
	RecommendationRejected RecommendationStatus = "rejected"
)

// RuleType names the rule family a recommendation targets.
type RuleType string

const (
	RuleTypeTolerance RuleType = "tolerance"
	RuleTypeGLMapping RuleType = "gl_mapping"
	RuleTypeRouting   RuleType = "routing"
)

// Recommendation is a generated suggestion for a rule change, produced
// by the weekly analysis and reviewed by an admin.
type Recommendation struct {
	ID              uuid.UUID
	RuleType        RuleType
	Title           string
	Description     string
	EvidenceSummary string
	SuggestedConfig *string
	ConfidenceScore float64
	Status          RecommendationStatus
	ReviewedBy      *uuid.UUID
	ReviewedAt      *time.Time
	ReviewNotes     string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	CorrectionCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CorrectionCount is one row of the grouped weekly aggregate.
type CorrectionCount struct {
	Type      Type
	FieldName string
	Count     int
}
