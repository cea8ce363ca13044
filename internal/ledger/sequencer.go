package ledger

import (
	"context"
	"sync"
)

// NonceSource reports the next nonce the ledger will accept for the signer.
type NonceSource interface {
	PendingNonce(ctx context.Context) (uint64, error)
}

type seqOp int

const (
	opAllocate seqOp = iota
	opReset
	opSync
	opPeek
)

type seqRequest struct {
	op    seqOp
	ctx   context.Context
	reply chan seqReply
}

type seqReply struct {
	nonce uint64
	set   bool
	err   error
}

// NonceSequencer hands out nonces for one signing identity. A single
// goroutine owns the counter, so Allocate, Reset and Sync are totally
// ordered and never interleave.
type NonceSequencer struct {
	source NonceSource
	reqs   chan seqRequest
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewNonceSequencer starts the sequencer loop. Callers must Close it.
func NewNonceSequencer(source NonceSource) *NonceSequencer {
	s := &NonceSequencer{
		source: source,
		reqs:   make(chan seqRequest),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *NonceSequencer) loop() {
	defer s.wg.Done()
	var (
		next uint64
		set  bool
	)
	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqs:
			switch req.op {
			case opAllocate:
				if !set {
					n, err := s.source.PendingNonce(req.ctx)
					if err != nil {
						req.reply <- seqReply{err: err}
						continue
					}
					next, set = n, true
				}
				req.reply <- seqReply{nonce: next, set: true}
				next++
			case opReset:
				set = false
				req.reply <- seqReply{}
			case opSync:
				n, err := s.source.PendingNonce(req.ctx)
				if err != nil {
					set = false
					req.reply <- seqReply{err: err}
					continue
				}
				next, set = n, true
				req.reply <- seqReply{nonce: next, set: true}
			case opPeek:
				req.reply <- seqReply{nonce: next, set: set}
			}
		}
	}
}

func (s *NonceSequencer) do(ctx context.Context, op seqOp) (seqReply, error) {
	req := seqRequest{op: op, ctx: ctx, reply: make(chan seqReply, 1)}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return seqReply{}, ctx.Err()
	case <-s.done:
		return seqReply{}, ErrSequencerClosed
	}
	// An accepted request is always answered, even if ctx ends meanwhile.
	r := <-req.reply
	return r, r.err
}

// Allocate returns the next nonce, fetching the pending nonce from the
// ledger first when the counter is unset.
func (s *NonceSequencer) Allocate(ctx context.Context) (uint64, error) {
	r, err := s.do(ctx, opAllocate)
	return r.nonce, err
}

// Reset clears the counter so the next Allocate refetches.
func (s *NonceSequencer) Reset(ctx context.Context) error {
	_, err := s.do(ctx, opReset)
	return err
}

// Sync refetches the pending nonce immediately and returns it.
func (s *NonceSequencer) Sync(ctx context.Context) (uint64, error) {
	r, err := s.do(ctx, opSync)
	return r.nonce, err
}

// Peek reports the next nonce Allocate would hand out without fetching.
func (s *NonceSequencer) Peek(ctx context.Context) (uint64, bool, error) {
	r, err := s.do(ctx, opPeek)
	return r.nonce, r.set, err
}

// Close stops the loop. It is safe to call more than once.
func (s *NonceSequencer) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
