package activity

import (
	"time"

	"github.com/google/uuid"
)

// TimelineFilters narrows the activity timeline for one invoice.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Type     string
	Page     int
	PageSize int
}

// Entry is one immutable audit record on the invoice timeline.
type Entry struct {
	ID          uuid.UUID
	InvoiceID   int64
	Type        string
	Description string
	Metadata    map[string]any
	PerformedBy *int64
	CreatedAt   time.Time
}

// PagingInfo holds pagination metadata for the timeline.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps timeline rows with paging information.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}
