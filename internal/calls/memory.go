package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryBook struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewMemoryBook(now func() time.Time) *MemoryBook {
	if now == nil {
		now = time.Now
	}
	return &MemoryBook{records: map[string]*Record{}, now: now}
}

var _ Book = (*MemoryBook)(nil)

func (b *MemoryBook) Ring(_ context.Context, rec Record) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec.State = Ringing
	rec.StateName = Ringing.String()
	rec.Offered = false
	rec.CreatedAt = b.now()
	b.records[pairKey(rec.Caller, rec.Callee)] = &rec
	return rec, nil
}

func (b *MemoryBook) Accept(_ context.Context, caller, callee string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[pairKey(caller, callee)]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.State != Ringing {
		return *rec, ErrState
	}
	rec.State = InCall
	rec.StateName = InCall.String()
	return *rec, nil
}

func (b *MemoryBook) Offer(_ context.Context, caller, callee string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[pairKey(caller, callee)]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.State != InCall {
		return *rec, ErrState
	}
	rec.Offered = true
	return *rec, nil
}

func (b *MemoryBook) Get(_ context.Context, caller, callee string) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[pairKey(caller, callee)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (b *MemoryBook) End(_ context.Context, a, c string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ended []Record
	for _, key := range []string{pairKey(a, c), pairKey(c, a)} {
		if rec, ok := b.records[key]; ok {
			ended = append(ended, *rec)
			delete(b.records, key)
		}
	}
	return ended, nil
}

func (b *MemoryBook) EndAll(_ context.Context, user string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ended []Record
	for key, rec := range b.records {
		if rec.Caller == user || rec.Callee == user {
			ended = append(ended, *rec)
			delete(b.records, key)
		}
	}
	sort.Slice(ended, func(i, j int) bool {
		return pairKey(ended[i].Caller, ended[i].Callee) < pairKey(ended[j].Caller, ended[j].Callee)
	})
	return ended, nil
}

func (b *MemoryBook) Close() error { return nil }
