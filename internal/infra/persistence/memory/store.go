// Package memory provides an in-memory implementation of the custody
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"custodychain/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// BatchStock aliases domain.BatchStock.
	BatchStock = domain.BatchStock
	// Packet aliases domain.Packet.
	Packet = domain.Packet
	// HarvestIndex aliases domain.HarvestIndex.
	HarvestIndex = domain.HarvestIndex
	Change       = domain.Change
	Result       = domain.Result
	RulesEngine  = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
)

type memoryState struct {
	stocks  map[string]BatchStock
	packets map[string]Packet
	index   HarvestIndex
}

// Snapshot captures a point-in-time clone of the store state. Its fields map
// one to one onto the persisted buckets of the durable backends.
type Snapshot struct {
	Stocks       map[string]BatchStock `json:"stocks"`
	Packets      map[string]Packet     `json:"packets"`
	HarvestIndex HarvestIndex          `json:"harvest_index"`
}

func newMemoryState() memoryState {
	return memoryState{
		stocks:  make(map[string]BatchStock),
		packets: make(map[string]Packet),
		index:   HarvestIndex{Farmers: make(map[string][]string)},
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		stocks:  make(map[string]BatchStock, len(s.stocks)),
		packets: make(map[string]Packet, len(s.packets)),
		index:   s.index.Clone(),
	}
	for k, v := range s.stocks {
		out.stocks[k] = cloneStock(v)
	}
	for k, v := range s.packets {
		out.packets[k] = v
	}
	return out
}

func cloneStock(b BatchStock) BatchStock {
	if b.PacketIDs != nil {
		ids := make([]string, len(b.PacketIDs))
		copy(ids, b.PacketIDs)
		b.PacketIDs = ids
	}
	return b
}

// Store provides an in-memory transactional store for custody records.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the timestamp source used for created/updated fields.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.state.clone()
	return Snapshot{Stocks: snap.stocks, Packets: snap.packets, HarvestIndex: snap.index}
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for k, v := range snapshot.Stocks {
		state.stocks[k] = cloneStock(v)
	}
	for k, v := range snapshot.Packets {
		state.packets[k] = v
	}
	state.index = snapshot.HarvestIndex.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListBatchStocks() []BatchStock {
	out := make([]BatchStock, 0, len(v.state.stocks))
	for _, b := range v.state.stocks {
		out = append(out, cloneStock(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

func (v transactionView) FindBatchStock(id string) (BatchStock, bool) {
	b, ok := v.state.stocks[id]
	if !ok {
		return BatchStock{}, false
	}
	return cloneStock(b), true
}

func (v transactionView) ListPackets() []Packet {
	out := make([]Packet, 0, len(v.state.packets))
	for _, p := range v.state.packets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return domain.ComparePacketIDs(out[i].PacketID, out[j].PacketID) < 0 })
	return out
}

func (v transactionView) FindPacket(id string) (Packet, bool) {
	p, ok := v.state.packets[id]
	return p, ok
}

func (v transactionView) PacketsAtStage(batchID string, stage domain.Stage) []Packet {
	var out []Packet
	for _, p := range v.state.packets {
		if p.BatchID == batchID && p.CurrentStage == stage {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.ComparePacketIDs(out[i].PacketID, out[j].PacketID) < 0 })
	return out
}

// RunInTransaction applies fn to a cloned state, evaluates the rules engine
// over the recorded changes and swaps the state in on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) CreateBatchStock(b BatchStock) (BatchStock, error) {
	if b.BatchID == "" {
		return BatchStock{}, fmt.Errorf("batch stock requires batch id")
	}
	if _, exists := tx.state.stocks[b.BatchID]; exists {
		return BatchStock{}, fmt.Errorf("batch stock %q already exists", b.BatchID)
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
	if b.PacketIDs == nil {
		b.PacketIDs = []string{}
	}
	tx.state.stocks[b.BatchID] = cloneStock(b)
	tx.recordChange(Change{Entity: domain.EntityBatchStock, Action: domain.ActionCreate, After: cloneStock(b)})
	return cloneStock(b), nil
}

func (tx *transaction) UpdateBatchStock(id string, mutator func(*BatchStock) error) (BatchStock, error) {
	current, ok := tx.state.stocks[id]
	if !ok {
		return BatchStock{}, domain.ErrNotFound{Entity: domain.EntityBatchStock, ID: id}
	}
	before := cloneStock(current)
	current = cloneStock(current)
	if err := mutator(&current); err != nil {
		return BatchStock{}, err
	}
	current.BatchID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.stocks[id] = cloneStock(current)
	tx.recordChange(Change{Entity: domain.EntityBatchStock, Action: domain.ActionUpdate, Before: before, After: cloneStock(current)})
	return cloneStock(current), nil
}

func (tx *transaction) FindBatchStock(id string) (BatchStock, bool) {
	b, ok := tx.state.stocks[id]
	if !ok {
		return BatchStock{}, false
	}
	return cloneStock(b), true
}

func (tx *transaction) CreatePacket(p Packet) (Packet, error) {
	if p.PacketID == "" {
		return Packet{}, fmt.Errorf("packet requires packet id")
	}
	if _, exists := tx.state.packets[p.PacketID]; exists {
		return Packet{}, fmt.Errorf("packet %q already exists", p.PacketID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.packets[p.PacketID] = p
	tx.recordChange(Change{Entity: domain.EntityPacket, Action: domain.ActionCreate, After: p})
	return p, nil
}

func (tx *transaction) UpdatePacket(id string, mutator func(*Packet) error) (Packet, error) {
	current, ok := tx.state.packets[id]
	if !ok {
		return Packet{}, domain.ErrNotFound{Entity: domain.EntityPacket, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Packet{}, err
	}
	current.PacketID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.packets[id] = current
	tx.recordChange(Change{Entity: domain.EntityPacket, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (tx *transaction) FindPacket(id string) (Packet, bool) {
	p, ok := tx.state.packets[id]
	return p, ok
}

func (tx *transaction) HarvestIndex() HarvestIndex {
	return tx.state.index.Clone()
}

func (tx *transaction) ReplaceHarvestIndex(idx HarvestIndex) error {
	if idx.NextBlock < tx.state.index.NextBlock {
		return fmt.Errorf("harvest index cursor moved backwards from %d to %d", tx.state.index.NextBlock, idx.NextBlock)
	}
	tx.setHarvestIndex(idx)
	return nil
}

func (tx *transaction) ResetHarvestIndex(idx HarvestIndex) error {
	tx.setHarvestIndex(idx)
	return nil
}

func (tx *transaction) setHarvestIndex(idx HarvestIndex) {
	before := tx.state.index.Clone()
	idx = idx.Clone()
	idx.UpdatedAt = tx.now
	tx.state.index = idx
	tx.recordChange(Change{Entity: domain.EntityHarvestIndex, Action: domain.ActionUpdate, Before: before, After: idx.Clone()})
}

// GetBatchStock returns a batch stock by id.
func (s *Store) GetBatchStock(id string) (BatchStock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.stocks[id]
	if !ok {
		return BatchStock{}, false
	}
	return cloneStock(b), true
}

// GetPacket returns a packet by id.
func (s *Store) GetPacket(id string) (Packet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.packets[id]
	return p, ok
}

// ListPacketsAtStage returns the batch's packets at stage ordered by id.
func (s *Store) ListPacketsAtStage(batchID string, stage domain.Stage) []Packet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.PacketsAtStage(batchID, stage)
}

// GetHarvestIndex returns a copy of the persisted farmer projection.
func (s *Store) GetHarvestIndex() HarvestIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.index.Clone()
}
