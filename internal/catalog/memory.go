package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// MemoryKeyValue is an in-memory implementation of the nats.KeyValue interface
// for fallback when NATS is not available
type MemoryKeyValue struct {
	name     string
	data     map[string]*MemoryKeyValueEntry
	revision uint64
	watchers map[*memoryWatcher]struct{}
	mutex    sync.RWMutex
}

var _ nats.KeyValue = (*MemoryKeyValue)(nil)

// NewMemoryKeyValue creates a new in-memory KeyValue store
func NewMemoryKeyValue(name string) *MemoryKeyValue {
	return &MemoryKeyValue{
		name:     name,
		data:     make(map[string]*MemoryKeyValueEntry),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

// Get retrieves a value for a key
func (m *MemoryKeyValue) Get(key string) (nats.KeyValueEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if e, ok := m.data[key]; ok {
		return e, nil
	}
	return nil, nats.ErrKeyNotFound
}

// GetRevision returns the value for key if it is still at the given revision
func (m *MemoryKeyValue) GetRevision(key string, revision uint64) (nats.KeyValueEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if e, ok := m.data[key]; ok && e.revision == revision {
		return e, nil
	}
	return nil, nats.ErrKeyNotFound
}

// Put stores a value for a key
func (m *MemoryKeyValue) Put(key string, value []byte) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.store(key, value, nats.KeyValuePut), nil
}

// PutString stores a string value for a key
func (m *MemoryKeyValue) PutString(key string, value string) (uint64, error) {
	return m.Put(key, []byte(value))
}

// Create creates a new key with the given value
func (m *MemoryKeyValue) Create(key string, value []byte) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.data[key]; ok {
		return 0, nats.ErrKeyExists
	}
	return m.store(key, value, nats.KeyValuePut), nil
}

// Update updates a key if its current revision is last
func (m *MemoryKeyValue) Update(key string, value []byte, last uint64) (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.data[key]
	if !ok {
		return 0, nats.ErrKeyNotFound
	}
	if e.revision != last {
		return 0, fmt.Errorf("wrong last sequence: %d", e.revision)
	}
	return m.store(key, value, nats.KeyValuePut), nil
}

// Delete deletes a key
func (m *MemoryKeyValue) Delete(key string, opts ...nats.DeleteOpt) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.data[key]; !ok {
		return nats.ErrKeyNotFound
	}
	m.store(key, nil, nats.KeyValueDelete)
	delete(m.data, key)
	return nil
}

// Purge purges a key
func (m *MemoryKeyValue) Purge(key string, opts ...nats.DeleteOpt) error {
	return m.Delete(key, opts...)
}

// store records a change and fans it out to watchers; the caller holds the lock
func (m *MemoryKeyValue) store(key string, value []byte, op nats.KeyValueOp) uint64 {
	m.revision++
	e := &MemoryKeyValueEntry{
		bucket:    m.name,
		key:       key,
		value:     append([]byte(nil), value...),
		revision:  m.revision,
		created:   time.Now(),
		operation: op,
	}
	m.data[key] = e
	for w := range m.watchers {
		if w.matches(key) {
			w.push(e)
		}
	}
	return e.revision
}

// Keys returns all keys in the store in sorted order
func (m *MemoryKeyValue) Keys(opts ...nats.WatchOpt) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slog.Debug("MemoryKeyValue.Keys called", "bucket", m.name, "count", len(keys))
	return keys, nil
}

// ListKeys returns all keys in the store via a channel
func (m *MemoryKeyValue) ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error) {
	keys, err := m.Keys(opts...)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, len(keys))
	for _, k := range keys {
		ch <- k
	}
	close(ch)
	return &memoryKeyLister{keys: ch}, nil
}

// Watch watches for changes to keys matching a subject-style pattern
func (m *MemoryKeyValue) Watch(keys string, opts ...nats.WatchOpt) (nats.KeyWatcher, error) {
	return m.WatchFiltered([]string{keys}, opts...)
}

// WatchAll watches for changes to all keys
func (m *MemoryKeyValue) WatchAll(opts ...nats.WatchOpt) (nats.KeyWatcher, error) {
	return m.WatchFiltered([]string{">"}, opts...)
}

// WatchFiltered replays the current value of every matching key, sends a nil
// entry, and then streams later changes
func (m *MemoryKeyValue) WatchFiltered(keys []string, opts ...nats.WatchOpt) (nats.KeyWatcher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &memoryWatcher{
		ctx:      ctx,
		cancel:   cancel,
		patterns: keys,
		updates:  make(chan nats.KeyValueEntry),
		signal:   make(chan struct{}, 1),
		kv:       m,
	}

	m.mutex.Lock()
	current := make([]string, 0, len(m.data))
	for k := range m.data {
		if w.matches(k) {
			current = append(current, k)
		}
	}
	sort.Slice(current, func(i, j int) bool {
		return m.data[current[i]].revision < m.data[current[j]].revision
	})
	for _, k := range current {
		w.push(m.data[k])
	}
	w.push(nil)
	m.watchers[w] = struct{}{}
	m.mutex.Unlock()

	go w.run()
	return w, nil
}

// History returns the current entry of a key
func (m *MemoryKeyValue) History(key string, opts ...nats.WatchOpt) ([]nats.KeyValueEntry, error) {
	e, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	return []nats.KeyValueEntry{e}, nil
}

// Bucket returns the bucket name
func (m *MemoryKeyValue) Bucket() string {
	return m.name
}

// PurgeDeletes is a no-op since deleted keys are dropped immediately
func (m *MemoryKeyValue) PurgeDeletes(opts ...nats.PurgeOpt) error {
	return nil
}

// Status returns the status of the bucket
func (m *MemoryKeyValue) Status() (nats.KeyValueStatus, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var size uint64
	for _, e := range m.data {
		size += uint64(len(e.key) + len(e.value))
	}
	return &MemoryKeyValueStatus{
		bucket:       m.name,
		values:       uint64(len(m.data)),
		bytes:        size,
		backingStore: "Memory",
	}, nil
}

func (m *MemoryKeyValue) unwatch(w *memoryWatcher) {
	m.mutex.Lock()
	delete(m.watchers, w)
	m.mutex.Unlock()
}

// memoryWatcher queues entries so that Put never blocks on a slow reader
type memoryWatcher struct {
	ctx      context.Context
	cancel   context.CancelFunc
	patterns []string
	updates  chan nats.KeyValueEntry
	signal   chan struct{}
	kv       *MemoryKeyValue

	mu    sync.Mutex
	queue []nats.KeyValueEntry
}

func (w *memoryWatcher) push(e nats.KeyValueEntry) {
	w.mu.Lock()
	w.queue = append(w.queue, e)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memoryWatcher) run() {
	defer close(w.updates)
	for {
		w.mu.Lock()
		pending := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, e := range pending {
			select {
			case w.updates <- e:
			case <-w.ctx.Done():
				return
			}
		}

		select {
		case <-w.signal:
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *memoryWatcher) matches(key string) bool {
	for _, p := range w.patterns {
		if matchSubject(p, key) {
			return true
		}
	}
	return false
}

func (w *memoryWatcher) Context() context.Context {
	return w.ctx
}

func (w *memoryWatcher) Updates() <-chan nats.KeyValueEntry {
	return w.updates
}

func (w *memoryWatcher) Stop() error {
	w.kv.unwatch(w)
	w.cancel()
	return nil
}

// matchSubject matches a key against a NATS subject pattern with * and > wildcards
func matchSubject(pattern, key string) bool {
	pt := strings.Split(pattern, ".")
	kt := strings.Split(key, ".")
	for i, p := range pt {
		if p == ">" {
			return len(kt) > i
		}
		if i >= len(kt) {
			return false
		}
		if p != "*" && p != kt[i] {
			return false
		}
	}
	return len(pt) == len(kt)
}

type memoryKeyLister struct {
	keys chan string
}

func (l *memoryKeyLister) Keys() <-chan string {
	return l.keys
}

func (l *memoryKeyLister) Stop() error {
	return nil
}

// MemoryKeyValueEntry implements the KeyValueEntry interface for the in-memory store
type MemoryKeyValueEntry struct {
	bucket    string
	key       string
	value     []byte
	revision  uint64
	created   time.Time
	operation nats.KeyValueOp
}

// Bucket returns the bucket name
func (e *MemoryKeyValueEntry) Bucket() string {
	return e.bucket
}

// Key returns the key
func (e *MemoryKeyValueEntry) Key() string {
	return e.key
}

// Value returns the value
func (e *MemoryKeyValueEntry) Value() []byte {
	return e.value
}

// Revision returns the revision
func (e *MemoryKeyValueEntry) Revision() uint64 {
	return e.revision
}

// Created returns the creation time
func (e *MemoryKeyValueEntry) Created() time.Time {
	return e.created
}

// Delta returns the delta
func (e *MemoryKeyValueEntry) Delta() uint64 {
	return 0
}

// Operation returns the operation
func (e *MemoryKeyValueEntry) Operation() nats.KeyValueOp {
	return e.operation
}

// MemoryKeyValueStatus implements the KeyValueStatus interface
type MemoryKeyValueStatus struct {
	bucket       string
	values       uint64
	bytes        uint64
	backingStore string
}

// Bucket returns the bucket name
func (s *MemoryKeyValueStatus) Bucket() string {
	return s.bucket
}

// Values returns the number of values in the bucket
func (s *MemoryKeyValueStatus) Values() uint64 {
	return s.values
}

// History returns the configured history kept per key
func (s *MemoryKeyValueStatus) History() int64 {
	return 1
}

// TTL returns how long the bucket keeps values for
func (s *MemoryKeyValueStatus) TTL() time.Duration {
	return 0
}

// BackingStore returns the technology used for storage
func (s *MemoryKeyValueStatus) BackingStore() string {
	return s.backingStore
}

// Bytes returns the size in bytes of the bucket
func (s *MemoryKeyValueStatus) Bytes() uint64 {
	return s.bytes
}

// IsCompressed returns if the data is compressed
func (s *MemoryKeyValueStatus) IsCompressed() bool {
	return false
}
