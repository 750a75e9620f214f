package shared

import (
	"context"

	"github.com/google/uuid"
)

// Role enumerates user roles known to the core.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleApprover Role = "APPROVER"
	RoleAnalyst  Role = "ANALYST"
	RoleViewer   Role = "VIEWER"
)

// Actor identifies who performs an operation. The API gateway authenticates
// users; this tier only carries the resolved identity.
type Actor struct {
	ID    string
	Email string
	Role  Role
	IP    string
}

// UUID parses the actor identifier, returning nil for system actors or
// malformed identifiers.
func (a Actor) UUID() *uuid.UUID {
	if a.ID == "" {
		return nil
	}
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return nil
	}
	return &id
}

type actorKey struct{}

// ContextWithActor stores the actor on the context.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor stored on the context, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
