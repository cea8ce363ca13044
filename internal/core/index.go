package core

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"custodychain/pkg/domain"
)

// FarmerBatchIndex projects the ledger harvest event stream into a persisted
// farmer to batches map. Each refresh consumes only blocks past the stored
// cursor.
type FarmerBatchIndex struct {
	ledger Ledger
	store  domain.PersistentStore
	logger Logger
	mu     sync.Mutex
}

// NewFarmerBatchIndex returns an index persisted in store.
func NewFarmerBatchIndex(l Ledger, store domain.PersistentStore, logger Logger) *FarmerBatchIndex {
	if logger == nil {
		logger = noopLogger{}
	}
	return &FarmerBatchIndex{ledger: l, store: store, logger: logger}
}

// RefreshStats summarises one pass over the event stream.
type RefreshStats struct {
	FromBlock uint64 `json:"from_block"`
	NextBlock uint64 `json:"next_block"`
	Events    int    `json:"events"`
	Added     int    `json:"added"`
	Discarded int    `json:"discarded"`
}

// Refresh consumes events from the persisted cursor to the ledger head.
func (x *FarmerBatchIndex) Refresh(ctx context.Context) (RefreshStats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.consume(ctx, x.store.GetHarvestIndex(), false)
}

// Rebuild discards the projection and replays the stream from genesis.
func (x *FarmerBatchIndex) Rebuild(ctx context.Context) (RefreshStats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.consume(ctx, domain.HarvestIndex{}, true)
}

func (x *FarmerBatchIndex) consume(ctx context.Context, base domain.HarvestIndex, reset bool) (RefreshStats, error) {
	stats := RefreshStats{FromBlock: base.NextBlock}
	events, latest, err := x.ledger.HarvestEvents(ctx, base.NextBlock)
	if err != nil {
		return stats, err
	}
	next := base.Clone()
	stats.Events = len(events)
	for _, e := range events {
		farmer, okF := scalarID(e.FarmerID)
		batch, okB := scalarID(e.BatchID)
		if !okF || !okB {
			stats.Discarded++
			x.logger.Debug("discarding malformed harvest event", "block", e.Block, "farmer", e.FarmerID, "batch", e.BatchID)
			continue
		}
		if next.Add(farmer, batch) {
			stats.Added++
		}
	}
	if latest+1 > next.NextBlock {
		next.NextBlock = latest + 1
	}
	stats.NextBlock = next.NextBlock
	if !reset && stats.Added == 0 && next.NextBlock == base.NextBlock {
		return stats, nil
	}
	_, err = x.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if reset {
			return tx.ResetHarvestIndex(next)
		}
		return tx.ReplaceHarvestIndex(next)
	})
	if err != nil {
		return stats, fmt.Errorf("persist harvest index: %w", err)
	}
	x.logger.Debug("harvest index advanced", "from", stats.FromBlock, "next", stats.NextBlock, "added", stats.Added, "discarded", stats.Discarded)
	return stats, nil
}

// scalarID accepts strings and numbers. Empty values, "undefined", "null"
// and composite values are malformed.
func scalarID(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case *big.Int:
		if t == nil {
			return "", false
		}
		s = t.String()
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	switch s {
	case "", "undefined", "null":
		return "", false
	}
	return s, true
}

func (x *FarmerBatchIndex) current(ctx context.Context) domain.HarvestIndex {
	if _, err := x.Refresh(ctx); err != nil {
		x.logger.Warn("harvest index refresh failed; serving persisted projection", "error", err)
	}
	return x.store.GetHarvestIndex()
}

// BatchesForFarmer returns the farmer's batch ids, sorted.
func (x *FarmerBatchIndex) BatchesForFarmer(ctx context.Context, farmerID string) []string {
	idx := x.current(ctx)
	return append([]string{}, idx.Farmers[farmerID]...)
}

// FarmersForBatch returns the farmers that harvested batchID, sorted.
func (x *FarmerBatchIndex) FarmersForBatch(ctx context.Context, batchID string) []string {
	idx := x.current(ctx)
	out := []string{}
	for _, farmer := range sortedKeys(idx.Farmers) {
		batches := idx.Farmers[farmer]
		if i := sort.SearchStrings(batches, batchID); i < len(batches) && batches[i] == batchID {
			out = append(out, farmer)
		}
	}
	return out
}

// AllFarmers returns every farmer with at least one batch, sorted.
func (x *FarmerBatchIndex) AllFarmers(ctx context.Context) []string {
	return sortedKeys(x.current(ctx).Farmers)
}

// Start refreshes every interval until ctx ends or the returned stop func is
// called. stop waits for the loop to exit.
func (x *FarmerBatchIndex) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := x.Refresh(ctx); err != nil && ctx.Err() == nil {
					x.logger.Warn("background harvest index refresh failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
