// Package backendtest provides an in-memory fake satisfying pkg/backend's
// Backend interface, so pkg/queue, pkg/lock, pkg/processor, and pkg/state
// can be unit tested without a live Redis.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/statepipe/pkg/backend"
)

// Store is the shared state behind one simulated Redis instance. Multiple
// *Fake values created with the same Store behave like independent
// connections to one server, the way backend.Backend.Duplicate() does.
type Store struct {
	mu sync.Mutex

	strings map[string]string
	lists   map[string][]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}

	subs map[string][]*fakeSubscription

	// failNext, when >0, makes the next N command attempts return
	// errInjected, decrementing for each attempt. Lets tests exercise
	// retry and back-off behaviour deterministically.
	failNext int
}

// NewStore creates an empty simulated backend.
func NewStore() *Store {
	return &Store{
		strings: map[string]string{},
		lists:   map[string][]string{},
		hashes:  map[string]map[string]string{},
		sets:    map[string]map[string]struct{}{},
		subs:    map[string][]*fakeSubscription{},
	}
}

// DropSubscribers simulates a connection loss on every live
// subscription: each payload channel is closed as if the backend went
// away, without the subscriber having called Close itself. Subscribers
// observe exactly what they would see from the real adapter and must
// re-subscribe to recover.
func (s *Store) DropSubscribers() {
	s.mu.Lock()
	var dropped []*fakeSubscription
	for _, list := range s.subs {
		dropped = append(dropped, list...)
	}
	s.subs = map[string][]*fakeSubscription{}
	s.mu.Unlock()

	for _, sub := range dropped {
		sub.closeCh()
	}
}

func (s *Store) removeSub(sub *fakeSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[sub.channel]
	for i, candidate := range list {
		if candidate == sub {
			s.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// FailNext arranges for the next n command attempts across any Fake
// sharing this Store to fail with a transient error.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

var errInjected = fmt.Errorf("backendtest: injected transient failure")

func (s *Store) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

// Fake is a Backend bound to a Store.
type Fake struct {
	store    *Store
	id       string
	readyFns []func()
	wasDown  bool
	mu       sync.Mutex
}

// New returns a Fake Backend over a fresh Store.
func New() *Fake {
	return NewWithStore(NewStore())
}

// NewWithStore returns a Fake Backend sharing an existing Store.
func NewWithStore(s *Store) *Fake {
	return &Fake{store: s, id: uuid.NewString()}
}

func (f *Fake) Duplicate() backend.Backend { return NewWithStore(f.store) }
func (f *Fake) Close() error               { return nil }

func (f *Fake) OnReady(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyFns = append(f.readyFns, fn)
}

func (f *Fake) fireReady() {
	f.mu.Lock()
	fns := append([]func(){}, f.readyFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *Fake) guard() error {
	if f.store.shouldFail() {
		f.mu.Lock()
		f.wasDown = true
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Lock()
	wasDown := f.wasDown
	f.wasDown = false
	f.mu.Unlock()
	if wasDown {
		f.fireReady()
	}
	return nil
}

func (f *Fake) Get(_ context.Context, key string) (string, bool, error) {
	if err := f.guard(); err != nil {
		return "", false, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	v, ok := f.store.strings[key]
	return v, ok, nil
}

func (f *Fake) Set(_ context.Context, key, value string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.strings[key] = value
	return nil
}

// SetEX ignores ttl: the fake never expires keys, since no test in this
// module depends on TTL expiry timing (the lock's TTL loss is exercised
// by deleting or overwriting the key directly, not by waiting it out).
func (f *Fake) SetEX(_ context.Context, key, value string, _ time.Duration) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.strings[key] = value
	return nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, k := range keys {
		delete(f.store.strings, k)
		delete(f.store.lists, k)
		delete(f.store.hashes, k)
		delete(f.store.sets, k)
	}
	return nil
}

func (f *Fake) LPush(_ context.Context, key, value string) (int64, error) {
	if err := f.guard(); err != nil {
		return 0, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.lists[key] = append([]string{value}, f.store.lists[key]...)
	return int64(len(f.store.lists[key])), nil
}

func (f *Fake) LLen(_ context.Context, key string) (int64, error) {
	if err := f.guard(); err != nil {
		return 0, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return int64(len(f.store.lists[key])), nil
}

func (f *Fake) LMove(_ context.Context, source, dest string, srcPos, destPos backend.ListPos) (string, bool, error) {
	if err := f.guard(); err != nil {
		return "", false, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	src := f.store.lists[source]
	if len(src) == 0 {
		return "", false, nil
	}

	var value string
	if srcPos == backend.ListLeft {
		value = src[0]
		f.store.lists[source] = src[1:]
	} else {
		value = src[len(src)-1]
		f.store.lists[source] = src[:len(src)-1]
	}

	dst := f.store.lists[dest]
	if destPos == backend.ListLeft {
		f.store.lists[dest] = append([]string{value}, dst...)
	} else {
		f.store.lists[dest] = append(dst, value)
	}

	return value, true, nil
}

func (f *Fake) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	if err := f.guard(); err != nil {
		return 0, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	list := f.store.lists[key]
	removed := int64(0)
	out := make([]string, 0, len(list))
	limit := count
	if limit <= 0 {
		limit = int64(len(list))
	}
	for _, v := range list {
		if v == value && removed < limit {
			removed++
			continue
		}
		out = append(out, v)
	}
	f.store.lists[key] = out
	return removed, nil
}

func (f *Fake) HSet(_ context.Context, key, field, value string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.hashes[key] == nil {
		f.store.hashes[key] = map[string]string{}
	}
	f.store.hashes[key][field] = value
	return nil
}

func (f *Fake) HDel(_ context.Context, key, field string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	delete(f.store.hashes[key], field)
	return nil
}

func (f *Fake) HGet(_ context.Context, key, field string) (string, bool, error) {
	if err := f.guard(); err != nil {
		return "", false, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	v, ok := f.store.hashes[key][field]
	return v, ok, nil
}

func (f *Fake) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.store.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HLen(_ context.Context, key string) (int64, error) {
	if err := f.guard(); err != nil {
		return 0, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return int64(len(f.store.hashes[key])), nil
}

func (f *Fake) HVals(_ context.Context, key string) ([]string, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	out := make([]string, 0, len(f.store.hashes[key]))
	for _, v := range f.store.hashes[key] {
		out = append(out, v)
	}
	return out, nil
}

func (f *Fake) SAdd(_ context.Context, key string, members ...string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.sets[key] == nil {
		f.store.sets[key] = map[string]struct{}{}
	}
	for _, m := range members {
		f.store.sets[key][m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(_ context.Context, key string, members ...string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, m := range members {
		delete(f.store.sets[key], m)
	}
	return nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	out := make([]string, 0, len(f.store.sets[key]))
	for m := range f.store.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) Publish(_ context.Context, channel, payload string) error {
	if err := f.guard(); err != nil {
		return err
	}
	f.store.mu.Lock()
	subs := append([]*fakeSubscription{}, f.store.subs[channel]...)
	f.store.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

func (f *Fake) Subscribe(_ context.Context, channel string) (backend.Subscription, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	sub := &fakeSubscription{store: f.store, channel: channel, ch: make(chan string, 16)}
	f.store.mu.Lock()
	f.store.subs[channel] = append(f.store.subs[channel], sub)
	f.store.mu.Unlock()

	return sub, nil
}

type fakeSubscription struct {
	store   *Store
	channel string
	ch      chan string
	once    sync.Once
}

func (s *fakeSubscription) Payloads() <-chan string { return s.ch }

// closeCh closes the payload channel exactly once, whether the close
// comes from the subscriber (Close) or from the store (DropSubscribers).
func (s *fakeSubscription) closeCh() {
	s.once.Do(func() { close(s.ch) })
}

func (s *fakeSubscription) Close() error {
	s.store.removeSub(s)
	s.closeCh()
	return nil
}
