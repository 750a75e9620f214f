package users

import (
	"time"

	"github.com/google/uuid"

	"github.com/apflow/apflow/internal/shared"
)

// User is an AP platform account. Accounts are provisioned out of band;
// this tier only reads them for approver resolution and notification.
type User struct {
	ID        uuid.UUID
	Email     string
	FullName  string
	Role      shared.Role
	IsActive  bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
