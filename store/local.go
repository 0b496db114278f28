package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type localEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type localGroup struct {
	next    int                 // index of the next new entry to deliver
	pending map[string][]string // consumer -> delivered, unacknowledged IDs in delivery order
}

type localStream struct {
	entries []StreamEntry
	byID    map[string]StreamEntry
	groups  map[string]*localGroup
}

// Local is the in-process twin of the Redis store. It implements the full
// Store surface except Eval (scripts have no portable local form) and is
// primarily used by tests and single-node runs.
type Local struct {
	mu      sync.Mutex
	kv      map[string]localEntry
	streams map[string]*localStream
	seq     int64
}

var _ Store = (*Local)(nil)

func NewLocal() *Local {
	return &Local{
		kv:      make(map[string]localEntry),
		streams: make(map[string]*localStream),
	}
}

func (s *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(s.kv, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (s *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.kv[key] = localEntry{v: value, exp: exp}
	s.mu.Unlock()
	return true, nil
}

func (s *Local) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.kv, key)
	s.mu.Unlock()
	return nil
}

func (s *Local) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.kv[key]; ok && (e.exp.IsZero() || time.Now().Before(e.exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.kv[key] = localEntry{v: value, exp: exp}
	return true, nil
}

func (s *Local) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.kv[key]; ok && (e.exp.IsZero() || time.Now().Before(e.exp)) {
		parsed, err := strconv.ParseInt(string(e.v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("store: incr on non-integer value at %q", key)
		}
		n = parsed
	}
	n++
	exp := s.kv[key].exp
	s.kv[key] = localEntry{v: []byte(strconv.FormatInt(n, 10)), exp: exp}
	return n, nil
}

func (s *Local) Eval(context.Context, string, []string, ...any) (any, error) {
	return nil, ErrEvalUnsupported
}

func (s *Local) StreamAdd(_ context.Context, stream string, values map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	vals := make(map[string]string, len(values))
	for k, v := range values {
		vals[k] = v
	}
	e := StreamEntry{ID: id, Values: vals}
	st.entries = append(st.entries, e)
	st.byID[id] = e
	return id, nil
}

func (s *Local) EnsureGroup(_ context.Context, stream, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(stream)
	if _, ok := st.groups[group]; !ok {
		st.groups[group] = &localGroup{pending: make(map[string][]string)}
	}
	return nil
}

func (s *Local) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration, pending bool) ([]StreamEntry, error) {
	if count <= 0 {
		count = 1
	}
	if pending {
		return s.readPending(stream, group, consumer, count)
	}

	deadline := time.Now().Add(block)
	for {
		out, err := s.readNew(stream, group, consumer, count)
		if err != nil || len(out) > 0 {
			return out, err
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *Local) readNew(stream, group, consumer string, count int) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.group(stream, group)
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for g.next < len(st.entries) && len(out) < count {
		e := st.entries[g.next]
		g.next++
		g.pending[consumer] = append(g.pending[consumer], e.ID)
		out = append(out, e)
	}
	return out, nil
}

func (s *Local) readPending(stream, group, consumer string, count int) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, g, err := s.group(stream, group)
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, id := range g.pending[consumer] {
		if len(out) >= count {
			break
		}
		if e, ok := st.byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Local) StreamAck(_ context.Context, stream, group string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.group(stream, group)
	if err != nil {
		return err
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	for consumer, list := range g.pending {
		kept := list[:0]
		for _, id := range list {
			if !acked[id] {
				kept = append(kept, id)
			}
		}
		g.pending[consumer] = kept
	}
	return nil
}

func (s *Local) Close(context.Context) error { return nil }

// stream returns the named stream, creating it if missing. Caller holds mu.
func (s *Local) stream(name string) *localStream {
	st, ok := s.streams[name]
	if !ok {
		st = &localStream{
			byID:   make(map[string]StreamEntry),
			groups: make(map[string]*localGroup),
		}
		s.streams[name] = st
	}
	return st
}

// group resolves a stream/group pair. Caller holds mu.
func (s *Local) group(stream, group string) (*localStream, *localGroup, error) {
	st, ok := s.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("store: no such stream %q", stream)
	}
	g, ok := st.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("store: no such group %q on stream %q", group, stream)
	}
	return st, g, nil
}
