package sync

import (
	"encoding/json"
	"time"
)

// PushRequest is the body of POST /sync/push. PushID, when set, lets the
// server replay a cached response if the same push is retried after a
// dropped connection.
type PushRequest struct {
	PushID   string      `json:"push_id,omitempty"`
	ClientID string      `json:"client_id"`
	Upserts  []TablePack `json:"upserts"`
}

// TablePack groups the pushed rows of one replicated table.
type TablePack struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// RowError reports a pushed row that failed validation or a domain rule.
// The client marks these rows 'error' and never resends them.
type RowError struct {
	Table  string `json:"table"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Deflection reports a pushed row that was converted into a change request
// instead of being applied. The client treats the row as handled.
type Deflection struct {
	Table           string `json:"table"`
	ID              string `json:"id"`
	ChangeRequestID string `json:"change_request_id"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	OK        bool         `json:"ok"`
	Applied   int          `json:"applied"`
	Errors    []RowError   `json:"errors"`
	Deflected []Deflection `json:"deflected"`
}

// MarshalJSON ensures nil slices in PushResponse marshal as [] not null.
func (r PushResponse) MarshalJSON() ([]byte, error) {
	if r.Errors == nil {
		r.Errors = []RowError{}
	}
	if r.Deflected == nil {
		r.Deflected = []Deflection{}
	}
	type Alias PushResponse
	return json.Marshal(Alias(r))
}

// TableChanges groups pulled rows by table, preserving change_log order
// within the table.
type TableChanges struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// PullResponse is the body returned by GET /sync/pull.
type PullResponse struct {
	OK         bool           `json:"ok"`
	Changes    []TableChanges `json:"changes"`
	NextCursor uint64         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// MarshalJSON ensures a nil Changes slice marshals as [] not null.
func (r PullResponse) MarshalJSON() ([]byte, error) {
	if r.Changes == nil {
		r.Changes = []TableChanges{}
	}
	type Alias PullResponse
	return json.Marshal(Alias(r))
}

// NowMs returns the current time as integer milliseconds since epoch,
// the timestamp unit used on the wire and in storage.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
