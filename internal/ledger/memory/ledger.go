// Package memory is an in-process ledger that enforces the custody
// contract's rules and the nonce ordering of a real chain. It backs tests and
// single-node development setups.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

var _ ledger.Backend = (*Ledger)(nil)

// FaultKind selects how an injected fault fails a submission.
type FaultKind int

const (
	// FaultDrop fails before broadcast; the nonce is not consumed.
	FaultDrop FaultKind = iota + 1
	// FaultRevert mines the transaction as reverted; the nonce is consumed.
	FaultRevert
	// FaultLostReceipt applies the transaction but reports a network error.
	FaultLostReceipt
	// FaultHang blocks until the caller's context ends; the nonce is not consumed.
	FaultHang
)

// Fault is a one-shot failure for the next submission of Method ("" matches any).
type Fault struct {
	Method string
	Kind   FaultKind
	Reason string
}

// Submission is an entry of the mined transaction log.
type Submission struct {
	Nonce    uint64
	Method   string
	Block    uint64
	Reverted bool
	Reason   string
}

type stageKey struct {
	packetID string
	stage    domain.Stage
}

// Ledger is the simulated contract plus the signer's account state.
type Ledger struct {
	mu       sync.Mutex
	account  string
	nonce    uint64
	block    uint64
	advanced chan struct{}

	enforceRoles bool
	harvests     map[string]ledger.Harvest
	events       []ledger.HarvestEvent
	batchProc    map[string]ledger.Processing
	packetProc   map[string]ledger.Processing
	packets      map[string]ledger.PacketRecord
	packetCounts map[string]uint64
	stages       map[stageKey]ledger.StageRecord
	roles        map[domain.Role]map[string]bool

	faults      []Fault
	readErr     error
	pendingErr  error
	submissions []Submission
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithoutRoleChecks disables access control, as on a permissive test deployment.
func WithoutRoleChecks() Option {
	return func(l *Ledger) { l.enforceRoles = false }
}

// WithSignerRoles pre-grants roles to the signing account.
func WithSignerRoles(roles ...domain.Role) Option {
	return func(l *Ledger) {
		for _, r := range roles {
			l.grant(r, l.account)
		}
	}
}

// New returns an empty ledger whose admin is account.
func New(account string, opts ...Option) *Ledger {
	if account == "" {
		account = "0x00000000000000000000000000000000000000a1"
	}
	l := &Ledger{
		account:      account,
		advanced:     make(chan struct{}),
		enforceRoles: true,
		harvests:     make(map[string]ledger.Harvest),
		batchProc:    make(map[string]ledger.Processing),
		packetProc:   make(map[string]ledger.Processing),
		packets:      make(map[string]ledger.PacketRecord),
		packetCounts: make(map[string]uint64),
		stages:       make(map[stageKey]ledger.StageRecord),
		roles:        make(map[domain.Role]map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Account returns the signing account.
func (l *Ledger) Account() string { return l.account }

// PendingNonce returns the next nonce the ledger will accept.
func (l *Ledger) PendingNonce(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pendingErr; err != nil {
		l.pendingErr = nil
		return 0, err
	}
	return l.nonce, nil
}

// InjectFault queues a one-shot submission fault.
func (l *Ledger) InjectFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, f)
}

// FailNextPendingNonce makes the next PendingNonce call return err.
func (l *Ledger) FailNextPendingNonce(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingErr = err
}

// FailReads makes every read return err until called with nil.
func (l *Ledger) FailReads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

// AdvanceNonce simulates n transactions sent by the signer out of band.
func (l *Ledger) AdvanceNonce(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		l.mine(Submission{Nonce: l.nonce, Method: "external"})
	}
}

// AppendHarvestEvent emits a raw harvest event without a harvest record, as
// older contract versions did for malformed submissions.
func (l *Ledger) AppendHarvestEvent(farmerID, batchID any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block++
	l.events = append(l.events, ledger.HarvestEvent{FarmerID: farmerID, BatchID: batchID, Block: l.block})
}

// Submissions returns the mined transaction log.
func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Submission, len(l.submissions))
	copy(out, l.submissions)
	return out
}

// Block returns the current block height.
func (l *Ledger) Block() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

func (l *Ledger) takeFault(method string) (Fault, bool) {
	for i, f := range l.faults {
		if f.Method == "" || f.Method == method {
			l.faults = append(l.faults[:i], l.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

// mine consumes the current nonce into a new block. Caller holds mu.
func (l *Ledger) mine(sub Submission) Submission {
	l.block++
	sub.Block = l.block
	l.nonce++
	l.submissions = append(l.submissions, sub)
	close(l.advanced)
	l.advanced = make(chan struct{})
	return sub
}

// waitTurn blocks until nonce is the next expected one. Called and returns with mu held.
func (l *Ledger) waitTurn(ctx context.Context, nonce uint64) error {
	for nonce > l.nonce {
		ch := l.advanced
		l.mu.Unlock()
		select {
		case <-ch:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			return ctx.Err()
		}
	}
	if nonce < l.nonce {
		return fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", l.nonce, nonce)
	}
	return nil
}

func txHash(account string, nonce uint64, method string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", account, nonce, method)))
	return "0x" + hex.EncodeToString(sum[:])
}

// Send submits tx with nonce and returns once it is mined.
func (l *Ledger) Send(ctx context.Context, nonce uint64, tx ledger.Tx) (ledger.Receipt, error) {
	method := tx.Method()
	l.mu.Lock()
	defer l.mu.Unlock()

	fault, faulted := l.takeFault(method)
	if faulted {
		switch fault.Kind {
		case FaultDrop:
			return ledger.Receipt{}, errors.New("connection refused")
		case FaultHang:
			l.mu.Unlock()
			<-ctx.Done()
			l.mu.Lock()
			return ledger.Receipt{}, ctx.Err()
		}
	}
	if err := l.waitTurn(ctx, nonce); err != nil {
		return ledger.Receipt{}, err
	}
	if faulted && fault.Kind == FaultRevert {
		l.mine(Submission{Nonce: nonce, Method: method, Reverted: true, Reason: fault.Reason})
		return ledger.Receipt{}, ledger.Reject(method, fault.Reason)
	}
	if err := l.apply(tx); err != nil {
		var rej *ledger.RejectionError
		if errors.As(err, &rej) {
			l.mine(Submission{Nonce: nonce, Method: method, Reverted: true, Reason: rej.Reason})
		}
		return ledger.Receipt{}, err
	}
	sub := l.mine(Submission{Nonce: nonce, Method: method})
	if method == ledger.MethodAddHarvest {
		h := tx.(ledger.HarvestTx).Harvest
		l.events = append(l.events, ledger.HarvestEvent{FarmerID: h.FarmerID, BatchID: h.BatchID, Block: sub.Block})
	}
	if faulted && fault.Kind == FaultLostReceipt {
		return ledger.Receipt{}, errors.New("receipt not received: connection reset")
	}
	return ledger.Receipt{Method: method, TxHash: txHash(l.account, nonce, method), Nonce: nonce, Block: sub.Block}, nil
}

func (l *Ledger) requireRole(method string, role domain.Role) error {
	if !l.enforceRoles || l.roles[role][l.account] {
		return nil
	}
	return ledger.Reject(method, fmt.Sprintf("AccessControl: account %s is missing role %s", strings.ToLower(l.account), role))
}

func (l *Ledger) grant(role domain.Role, account string) {
	if l.roles[role] == nil {
		l.roles[role] = make(map[string]bool)
	}
	l.roles[role][account] = true
}

// apply executes the contract logic. Caller holds mu; nothing is mutated on error.
func (l *Ledger) apply(tx ledger.Tx) error {
	method := tx.Method()
	switch t := tx.(type) {
	case ledger.HarvestTx:
		if err := l.requireRole(method, domain.RoleFarmer); err != nil {
			return err
		}
		if t.Harvest.BatchID == "" {
			return ledger.Reject(method, "Batch ID required")
		}
		if _, exists := l.harvests[t.Harvest.BatchID]; exists {
			return ledger.Reject(method, "Batch already exists")
		}
		l.harvests[t.Harvest.BatchID] = t.Harvest
	case ledger.BatchProcessingTx:
		if err := l.requireRole(method, domain.RoleProcessor); err != nil {
			return err
		}
		if _, ok := l.harvests[t.BatchID]; !ok {
			return ledger.Reject(method, "Batch does not exist")
		}
		if _, exists := l.batchProc[t.BatchID]; exists {
			return ledger.Reject(method, "Processing already recorded for batch")
		}
		l.batchProc[t.BatchID] = t.Processing
	case ledger.PacketProcessingTx:
		if err := l.requireRole(method, domain.RoleProcessor); err != nil {
			return err
		}
		if _, ok := l.packets[t.PacketID]; !ok {
			return ledger.Reject(method, "Packet does not exist")
		}
		if _, exists := l.packetProc[t.PacketID]; exists {
			return ledger.Reject(method, "Processing already recorded for packet")
		}
		l.packetProc[t.PacketID] = t.Processing
	case ledger.CreatePacketTx:
		return l.createPackets(method, t.BatchID, []string{t.PacketID})
	case ledger.CreatePacketsTx:
		if err := l.requireRole(method, domain.RoleProcessor); err != nil {
			return err
		}
		if t.Count == 0 || t.SizeGM <= 0 {
			return ledger.Reject(method, "Count and size must be positive")
		}
		if h, ok := l.harvests[t.BatchID]; ok && h.FarmerID != t.FarmerID {
			return ledger.Reject(method, "Farmer does not own batch")
		}
		return l.createPackets(method, t.BatchID, t.PacketIDs(l.packetCounts[t.BatchID]))
	case ledger.StageTx:
		return l.recordStage(method, t)
	case ledger.RoleTx:
		if t.Account == "" {
			return ledger.Reject(method, "Account required")
		}
		if t.Revoke {
			delete(l.roles[t.Role], t.Account)
			return nil
		}
		l.grant(t.Role, t.Account)
	default:
		return ledger.Reject(method, "unknown method")
	}
	return nil
}

func (l *Ledger) createPackets(method, batchID string, ids []string) error {
	if err := l.requireRole(method, domain.RoleProcessor); err != nil {
		return err
	}
	if _, ok := l.harvests[batchID]; !ok {
		return ledger.Reject(method, "Batch does not exist")
	}
	if len(ids) == 0 {
		return ledger.Reject(method, "No packets supplied")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, exists := l.packets[id]; exists || seen[id] {
			return ledger.Reject(method, "Packet already exists")
		}
		seen[id] = true
	}
	for _, id := range ids {
		l.packets[id] = ledger.PacketRecord{PacketID: id, BatchID: batchID, Stage: domain.StageProcessing, Active: true}
	}
	l.packetCounts[batchID] += uint64(len(ids))
	return nil
}

func (l *Ledger) recordStage(method string, t ledger.StageTx) error {
	if err := l.requireRole(method, t.Stage.RequiredRole()); err != nil {
		return err
	}
	rec, ok := l.packets[t.PacketID]
	if !ok {
		return ledger.Reject(method, "Packet does not exist")
	}
	key := stageKey{packetID: t.PacketID, stage: t.Stage}
	if _, exists := l.stages[key]; exists {
		return ledger.Reject(method, "Stage already recorded for packet")
	}
	l.stages[key] = ledger.StageRecord{PacketID: t.PacketID, Stage: t.Stage, StageFields: t.Fields}
	rec.Stage = t.Stage
	l.packets[t.PacketID] = rec
	return nil
}

func (l *Ledger) readLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.readErr
}

// BatchExists implements ledger.Backend.
func (l *Ledger) BatchExists(ctx context.Context, batchID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return false, err
	}
	_, ok := l.harvests[batchID]
	return ok, nil
}

// PacketExists implements ledger.Backend.
func (l *Ledger) PacketExists(ctx context.Context, packetID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return false, err
	}
	_, ok := l.packets[packetID]
	return ok, nil
}

// PacketCount implements ledger.Backend.
func (l *Ledger) PacketCount(ctx context.Context, batchID string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return 0, err
	}
	return l.packetCounts[batchID], nil
}

// Packet implements ledger.Backend.
func (l *Ledger) Packet(ctx context.Context, packetID string) (ledger.PacketRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return ledger.PacketRecord{}, false, err
	}
	rec, ok := l.packets[packetID]
	return rec, ok, nil
}

// Harvest implements ledger.Backend.
func (l *Ledger) Harvest(ctx context.Context, batchID string) (ledger.Harvest, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return ledger.Harvest{}, false, err
	}
	h, ok := l.harvests[batchID]
	return h, ok, nil
}

// BatchProcessing implements ledger.Backend.
func (l *Ledger) BatchProcessing(ctx context.Context, batchID string) (ledger.Processing, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return ledger.Processing{}, false, err
	}
	p, ok := l.batchProc[batchID]
	return p, ok, nil
}

// PacketProcessing implements ledger.Backend.
func (l *Ledger) PacketProcessing(ctx context.Context, packetID string) (ledger.Processing, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return ledger.Processing{}, false, err
	}
	p, ok := l.packetProc[packetID]
	return p, ok, nil
}

// StageRecord implements ledger.Backend.
func (l *Ledger) StageRecord(ctx context.Context, packetID string, stage domain.Stage) (ledger.StageRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return ledger.StageRecord{}, false, err
	}
	rec, ok := l.stages[stageKey{packetID: packetID, stage: stage}]
	return rec, ok, nil
}

// HasRole implements ledger.Backend.
func (l *Ledger) HasRole(ctx context.Context, role domain.Role, account string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return false, err
	}
	return l.roles[role][account], nil
}

// HarvestEvents implements ledger.Backend.
func (l *Ledger) HarvestEvents(ctx context.Context, fromBlock uint64) ([]ledger.HarvestEvent, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readLocked(ctx); err != nil {
		return nil, 0, err
	}
	var out []ledger.HarvestEvent
	for _, e := range l.events {
		if e.Block >= fromBlock {
			out = append(out, e)
		}
	}
	return out, l.block, nil
}
