package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimelineFilters narrows the audit timeline query. Zero values mean
// no filter on that dimension.
type TimelineFilters struct {
	From       time.Time
	To         time.Time
	ActorEmail string
	EntityType string
	EntityID   *uuid.UUID
	Action     string
	Page       int
	PageSize   int
}

// TimelineRow is one audit entry as returned to readers.
type TimelineRow struct {
	At            time.Time
	ActorEmail    string
	Action        string
	EntityType    string
	EntityID      uuid.UUID
	Before        json.RawMessage
	After         json.RawMessage
	RuleVersionID *uuid.UUID
	IP            string
	Notes         string
}

// PagingInfo carries simple pagination metadata.
type PagingInfo struct {
	Page     int
	HasNext  bool
	PageSize int
	PrevPage int
	NextPage int
}
