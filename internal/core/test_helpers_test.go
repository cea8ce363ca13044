package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"custodychain/internal/infra/persistence/memory"
	"custodychain/internal/ledger"
	memledger "custodychain/internal/ledger/memory"
	"custodychain/pkg/domain"
)

type fixture struct {
	chain   *memledger.Ledger
	gateway *ledger.Gateway
	store   *memory.Store
	svc     *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	chain := memledger.New("", memledger.WithSignerRoles(domain.Roles()...))
	gw := ledger.NewGateway(chain)
	t.Cleanup(gw.Close)
	store := memory.NewStore(NewDefaultRulesEngine())
	return &fixture{chain: chain, gateway: gw, store: store, svc: NewService(gw, store, opts...)}
}

func (f *fixture) harvest(t *testing.T, farmer, batch string, qty int64) {
	t.Helper()
	if _, err := f.gateway.RecordHarvest(context.Background(), ledger.Harvest{
		FarmerID: farmer, ProductName: "turmeric", BatchID: batch, QuantityGM: qty,
	}); err != nil {
		t.Fatalf("record harvest %s: %v", batch, err)
	}
}

func (f *fixture) createPackets(t *testing.T, batch string, size int64, count int) CreatePacketsResult {
	t.Helper()
	res, err := f.svc.CreatePackets(context.Background(), CreatePacketsRequest{BatchID: batch, PacketSizeGM: size, Count: count})
	if err != nil {
		t.Fatalf("create packets: %v", err)
	}
	return res
}

// failingStore fails local transactions on demand, as a crashed disk would
// after the ledger already confirmed.
type failingStore struct {
	domain.PersistentStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *failingStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return domain.Result{}, errors.New("disk I/O error")
	}
	return s.PersistentStore.RunInTransaction(ctx, fn)
}

type logLine struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) hasKV(level, key string, value any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line.level != level {
			continue
		}
		for i := 0; i+1 < len(line.args); i += 2 {
			if line.args[i] == key && line.args[i+1] == value {
				return true
			}
		}
	}
	return false
}
