// Package rules versions the business-rule configuration that drives
// matching and approval decisions. Every decision records the rule
// version it was made under so it can be replayed later.
package rules

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type identifies a rule family.
type Type string

const (
	TypeMatchingTolerance Type = "matching_tolerance"
	TypeApprovalPolicy    Type = "approval_policy"
	TypeFraudThresholds   Type = "fraud_thresholds"
)

// VersionStatus is the lifecycle state of one rule version.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionInReview   VersionStatus = "in_review"
	VersionPublished  VersionStatus = "published"
	VersionSuperseded VersionStatus = "superseded"
	VersionRejected   VersionStatus = "rejected"
	VersionArchived   VersionStatus = "archived"
)

// VersionSource records where a version's config came from.
type VersionSource string

const (
	SourceManual       VersionSource = "manual"
	SourcePolicyUpload VersionSource = "policy_upload"
)

// Rule is a named, typed policy container.
type Rule struct {
	ID          uuid.UUID
	Name        string
	Type        Type
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Version is one immutable snapshot of a rule's configuration. At most
// one version per rule is published at any time.
type Version struct {
	ID            uuid.UUID
	RuleID        uuid.UUID
	VersionNumber int
	Status        VersionStatus
	Source        VersionSource
	Config        json.RawMessage
	AIExtracted   bool
	ShadowMode    bool
	ChangeSummary string
	CreatedBy     *uuid.UUID
	ReviewedBy    *uuid.UUID
	PublishedAt   *time.Time
	ArchivedAt    *time.Time
	CreatedAt     time.Time
}

// Tolerance is the decoded matching_tolerance config.
type Tolerance struct {
	AmountTolerancePct       float64 `json:"amount_tolerance_pct"`
	AmountToleranceAbs       float64 `json:"amount_tolerance_abs"`
	QtyTolerancePct          float64 `json:"qty_tolerance_pct"`
	AutoApproveThreshold     float64 `json:"auto_approve_threshold"`
	AutoApproveRequiresMatch bool    `json:"auto_approve_requires_match"`
}

// DefaultTolerance is the hardcoded fallback when no version is published.
func DefaultTolerance() Tolerance {
	return Tolerance{
		AmountTolerancePct:       0.02,
		AmountToleranceAbs:       50.00,
		QtyTolerancePct:          0.00,
		AutoApproveThreshold:     5000.00,
		AutoApproveRequiresMatch: true,
	}
}

// ParseTolerance decodes a config payload, falling back to defaults for
// any missing key.
func ParseTolerance(config json.RawMessage) Tolerance {
	tol := DefaultTolerance()
	if len(config) == 0 {
		return tol
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(config, &raw); err != nil {
		return tol
	}
	decodeFloat(raw, "amount_tolerance_pct", &tol.AmountTolerancePct)
	decodeFloat(raw, "amount_tolerance_abs", &tol.AmountToleranceAbs)
	decodeFloat(raw, "qty_tolerance_pct", &tol.QtyTolerancePct)
	decodeFloat(raw, "auto_approve_threshold", &tol.AutoApproveThreshold)
	if v, ok := raw["auto_approve_requires_match"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			tol.AutoApproveRequiresMatch = b
		}
	}
	return tol
}

func decodeFloat(raw map[string]json.RawMessage, key string, dst *float64) {
	v, ok := raw[key]
	if !ok {
		return
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		*dst = f
	}
}

// Snapshot is an active config bound to the version it came from. A nil
// VersionID means the hardcoded defaults were used.
type Snapshot struct {
	Config    json.RawMessage
	VersionID *uuid.UUID
}

// Tolerance decodes the snapshot as a matching_tolerance config.
func (s Snapshot) Tolerance() Tolerance {
	return ParseTolerance(s.Config)
}
