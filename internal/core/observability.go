package core

import (
	"context"
	"time"

	"custodychain/pkg/domain"
)

// Logger is the structured logging surface used by the service. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder observes operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one completed custody operation.
type AuditEntry struct {
	Operation string
	Entity    domain.EntityType
	Action    domain.Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// operationMeta maps an operation name to the entity and action it audits.
// Reads are not audited.
var operationMeta = map[string]struct {
	entity domain.EntityType
	action domain.Action
}{
	OpRecordHarvest:     {domain.EntityBatch, domain.ActionCreate},
	OpCreatePackets:     {domain.EntityPacket, domain.ActionCreate},
	OpTransitionPacket:  {domain.EntityPacket, domain.ActionUpdate},
	OpTransitionBulk:    {domain.EntityPacket, domain.ActionUpdate},
	OpReceive:           {domain.EntityPacket, domain.ActionUpdate},
	OpRebuildIndex:      {domain.EntityHarvestIndex, domain.ActionUpdate},
	OpGrantRole:         {domain.EntityRole, domain.ActionCreate},
	OpRevokeRole:        {domain.EntityRole, domain.ActionUpdate},
	OpSyncNonce:         {domain.EntityNonce, domain.ActionUpdate},
	OpEnsureSignerRoles: {domain.EntityRole, domain.ActionCreate},
}

// Operation names reported to metrics, traces and audit.
const (
	OpRecordHarvest     = "record_harvest"
	OpCreatePackets     = "create_packets"
	OpBatchInfo         = "batch_info"
	OpPacketsAtStage    = "packets_at_stage"
	OpValidateStage     = "validate_stage"
	OpTransitionPacket  = "transition_packet"
	OpTransitionBulk    = "transition_bulk"
	OpReceive           = "receive"
	OpPacketJourney     = "packet_journey"
	OpFarmerBatches     = "farmer_batches"
	OpBatchFarmers      = "batch_farmers"
	OpAllFarmers        = "all_farmers"
	OpRefreshIndex      = "refresh_index"
	OpRebuildIndex      = "rebuild_index"
	OpGrantRole         = "grant_role"
	OpRevokeRole        = "revoke_role"
	OpHasRole           = "has_role"
	OpSyncNonce         = "sync_nonce"
	OpEnsureSignerRoles = "ensure_signer_roles"
	OpConsistencyHazard = "consistency_hazard"
	OpBatchReport       = "batch_report"
)
