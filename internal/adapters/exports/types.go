// Package exports renders batch custody reports asynchronously and stores
// them as immutable blobs.
package exports

import (
	"context"
	"sync"
	"time"

	"custodychain/internal/core"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions will occur.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// Format is an artifact encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Formats lists the supported encodings.
func Formats() []Format { return []Format{FormatJSON, FormatCSV, FormatXLSX} }

func (f Format) valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return true
	}
	return false
}

func (f Format) contentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json"
	}
}

// Artifact is a stored report file.
type Artifact struct {
	Format      Format    `json:"format"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batch_id"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Packets     int        `json:"packets"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r Record) copy() Record {
	out := r
	out.Formats = append([]Format(nil), r.Formats...)
	if r.Artifacts != nil {
		out.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Input is an enqueue request. Empty Formats means json and csv.
type Input struct {
	BatchID     string   `json:"batch_id"`
	Formats     []Format `json:"formats"`
	RequestedBy string   `json:"requested_by"`
}

// ReportSource produces the report content. *core.Service implements it.
type ReportSource interface {
	BatchReport(ctx context.Context, batchID string) (core.BatchReport, error)
}

var _ ReportSource = (*core.Service)(nil)

// AuditLogger records export lifecycle entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditEntry is one export lifecycle transition.
type AuditEntry struct {
	ExportID   string    `json:"export_id"`
	BatchID    string    `json:"batch_id"`
	Actor      string    `json:"actor,omitempty"`
	Status     Status    `json:"status"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MemoryAuditLog keeps audit entries in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// Record stores an audit entry.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// LogAuditLogger writes audit entries to a structured logger.
type LogAuditLogger struct {
	Logger core.Logger
}

// Record logs entry at info.
func (l LogAuditLogger) Record(_ context.Context, e AuditEntry) {
	l.Logger.Info("export audit", "export_id", e.ExportID, "batch_id", e.BatchID, "actor", e.Actor, "status", e.Status, "note", e.Note)
}
