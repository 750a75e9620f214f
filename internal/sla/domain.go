package sla

import (
	"time"

	"github.com/google/uuid"
)

// AlertType classifies how close an invoice is to missing its deadline.
type AlertType string

const (
	// AlertCritical means the due date has passed.
	AlertCritical AlertType = "critical"
	// AlertWarning means the due date is inside the warning window.
	AlertWarning AlertType = "warning"
)

// AlertStatus tracks an alert's lifecycle.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// Alert records one SLA observation for an invoice. Alerts are
// informational; they never change invoice state.
type Alert struct {
	ID          uuid.UUID
	InvoiceID   uuid.UUID
	Type        AlertType
	Description string
	Status      AlertStatus
	CreatedAt   time.Time
}
