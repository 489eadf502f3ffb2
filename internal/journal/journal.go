// Package journal stores the tree of session entries and reconstructs
// conversation branches for building model requests.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// ErrUnknownEntry is returned when an entry id is not present in the journal.
var ErrUnknownEntry = errors.New("unknown entry")

// Clock supplies entry timestamps. Injectable for deterministic tests.
type Clock func() time.Time

// Journal is a per-session tree of entries. Entries are immutable once
// appended; branches share ancestor entries and diverge by parent links.
// A single owner goroutine appends, reads are safe from any goroutine.
type Journal struct {
	mu      sync.RWMutex
	entries []*models.SessionEntry
	byID    map[string]*models.SessionEntry
	head    string
	lastTS  int64

	// entries that failed write-through; retried on Save.
	pending []*models.SessionEntry

	store  Store
	clock  Clock
	newID  func() string
	logger *observability.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithStore attaches a persistence backend. Every append is written
// through before it becomes visible to readers.
func WithStore(s Store) Option {
	return func(j *Journal) { j.store = s }
}

// WithClock overrides the timestamp source.
func WithClock(c Clock) Option {
	return func(j *Journal) { j.clock = c }
}

// WithIDs overrides entry id generation.
func WithIDs(fn func() string) Option {
	return func(j *Journal) { j.newID = fn }
}

// WithLogger sets the logger for load and persistence diagnostics.
func WithLogger(l *observability.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// New creates an empty journal.
func New(opts ...Option) *Journal {
	j := &Journal{
		byID:  make(map[string]*models.SessionEntry),
		clock: time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append assigns an id and a monotonic timestamp to e, links it under
// parentID and makes it the new head. A nil parentID starts a new root.
// Persistence failures do not fail the append; they are logged and
// surfaced by the next Save.
func (j *Journal) Append(ctx context.Context, e *models.SessionEntry, parentID *string) (string, error) {
	if e == nil {
		return "", errors.New("entry is required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if parentID != nil {
		if _, ok := j.byID[*parentID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownEntry, *parentID)
		}
		pid := *parentID
		e.ParentID = &pid
	} else {
		e.ParentID = nil
	}

	e.ID = j.newID()
	e.Timestamp = j.nextTimestamp()
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("invalid entry: %w", err)
	}

	if j.store != nil {
		if err := j.store.Append(ctx, e); err != nil {
			j.pending = append(j.pending, e)
			j.warn(ctx, "entry write-through failed, will retry on save",
				"entry_id", e.ID, "error", err)
		}
	}

	j.entries = append(j.entries, e)
	j.byID[e.ID] = e
	j.head = e.ID
	return e.ID, nil
}

// AppendHead appends e under the current head.
func (j *Journal) AppendHead(ctx context.Context, e *models.SessionEntry) (string, error) {
	return j.Append(ctx, e, j.HeadID())
}

// CurrentBranch returns the oldest-first chain from the root to the head.
// The slice is fresh; the entries are shared and must not be mutated.
func (j *Journal) CurrentBranch() []*models.SessionEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.branchTo(j.head)
}

// BranchTo returns the oldest-first chain from the root to id.
func (j *Journal) BranchTo(id string) ([]*models.SessionEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if _, ok := j.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	return j.branchTo(id), nil
}

func (j *Journal) branchTo(id string) []*models.SessionEntry {
	var chain []*models.SessionEntry
	for id != "" {
		e, ok := j.byID[id]
		if !ok {
			break
		}
		chain = append(chain, e)
		if e.ParentID == nil {
			break
		}
		id = *e.ParentID
	}
	for i, k := 0, len(chain)-1; i < k; i, k = i+1, k-1 {
		chain[i], chain[k] = chain[k], chain[i]
	}
	return chain
}

// ResetHead moves the head pointer. A nil id detaches the head so the
// next append starts a new root. Entries are never removed; the old
// branch stays reachable by id.
func (j *Journal) ResetHead(id *string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if id == nil {
		j.head = ""
		return nil
	}
	if _, ok := j.byID[*id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, *id)
	}
	j.head = *id
	return nil
}

// Find returns the entry with the given id.
func (j *Journal) Find(id string) (*models.SessionEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	return e, nil
}

// Head returns the head entry, or nil when the journal has no head.
func (j *Journal) Head() *models.SessionEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.head == "" {
		return nil
	}
	return j.byID[j.head]
}

// HeadID returns the head entry id, or nil when the journal has no head.
func (j *Journal) HeadID() *string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.head == "" {
		return nil
	}
	id := j.head
	return &id
}

// Len reports the number of entries across all branches.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Entries returns all entries in append order.
func (j *Journal) Entries() []*models.SessionEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*models.SessionEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Save retries any entries whose write-through failed, then flushes the
// store to durable storage.
func (j *Journal) Save(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.store == nil {
		return nil
	}
	for len(j.pending) > 0 {
		e := j.pending[0]
		if err := j.store.Append(ctx, e); err != nil {
			return fmt.Errorf("failed to persist entry %s: %w", e.ID, err)
		}
		j.pending = j.pending[1:]
	}
	if err := j.store.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush store: %w", err)
	}
	return nil
}

// Load replaces the journal contents with the store's entries, replayed
// in append order. Entries referencing a missing parent are dropped with
// a warning, along with their descendants. The head becomes the last
// surviving entry.
func (j *Journal) Load(ctx context.Context) error {
	if j.store == nil {
		return errors.New("no store attached")
	}
	loaded, err := j.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load entries: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = j.entries[:0]
	j.byID = make(map[string]*models.SessionEntry, len(loaded))
	j.head = ""
	j.lastTS = 0
	j.pending = nil

	for _, e := range loaded {
		if e == nil || e.ID == "" {
			j.warn(ctx, "dropping entry without id")
			continue
		}
		if _, dup := j.byID[e.ID]; dup {
			j.warn(ctx, "dropping duplicate entry", "entry_id", e.ID)
			continue
		}
		if e.ParentID != nil {
			if _, ok := j.byID[*e.ParentID]; !ok {
				j.warn(ctx, "dropping entry with missing parent",
					"entry_id", e.ID, "parent_id", *e.ParentID)
				continue
			}
		}
		j.entries = append(j.entries, e)
		j.byID[e.ID] = e
		j.head = e.ID
		if e.Timestamp > j.lastTS {
			j.lastTS = e.Timestamp
		}
	}
	return nil
}

// Close releases the attached store, if any.
func (j *Journal) Close() error {
	if j.store == nil {
		return nil
	}
	return j.store.Close()
}

func (j *Journal) nextTimestamp() int64 {
	ts := j.clock().UnixMilli()
	if ts < j.lastTS {
		ts = j.lastTS
	}
	j.lastTS = ts
	return ts
}

func (j *Journal) warn(ctx context.Context, msg string, args ...any) {
	if j.logger != nil {
		j.logger.Warn(ctx, msg, args...)
	}
}
