package positions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// StatusChangeEvent is delivered to the notification callback for every
// transition into a notifying status.
type StatusChangeEvent struct {
	Position Position
	OldStatus Status
	NewStatus Status
}

// notifyingStatuses are the only statuses the store fires notifications for.
var notifyingStatuses = map[Status]bool{
	StatusOpen:      true,
	StatusClosed:    true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// NotificationCallback is invoked after persistence for every transition
// into {open, closed, failed, cancelled}.
type NotificationCallback func(StatusChangeEvent)

// Store owns every Position from creation until terminal state: a FIFO
// pending queue and open/closed indices, all backed by three on-disk JSON
// files under dataDir.
type Store struct {
	mu sync.Mutex

	dataDir string

	pending []*Position // FIFO: index 0 is the oldest
	open    map[uuid.UUID]*Position
	closed  map[uuid.UUID]*Position
	all     map[uuid.UUID]*Position

	onChange NotificationCallback
}

// NewStore creates a position store rooted at dataDir. Call LoadFromDisk
// to hydrate from a prior run.
func NewStore(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		open:    make(map[uuid.UUID]*Position),
		closed:  make(map[uuid.UUID]*Position),
		all:     make(map[uuid.UUID]*Position),
	}
}

// SetNotificationCallback registers the callback fired on every transition
// into {open, closed, failed, cancelled}.
func (s *Store) SetNotificationCallback(fn NotificationCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Add enqueues a new pending position, persists, and returns it.
// Transitions into pending never notify.
func (s *Store) Add(p *Position) error {
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.all[p.ID] = p
	s.mu.Unlock()

	return s.saveState()
}

// GetNextPending dequeues the oldest pending position (FIFO), or nil if empty.
func (s *Store) GetNextPending() *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p
}

// Execute transitions a position to open after a successful execution,
// persists, and notifies.
func (s *Store) Execute(id uuid.UUID, sig string, execPrice, tokens decimal.Decimal) error {
	s.mu.Lock()
	p, ok := s.all[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	old := p.GetStatus()
	p.MarkOpen(sig, execPrice, tokens)
	s.open[id] = p
	s.removeFromPending(id)
	s.mu.Unlock()

	return s.persistAndNotify(p, old)
}

// Fail transitions a position to failed, persists, and notifies.
func (s *Store) Fail(id uuid.UUID, reason, sig string) error {
	s.mu.Lock()
	p, ok := s.all[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	old := p.GetStatus()
	p.MarkFailed(reason, sig)
	s.mu.Unlock()

	return s.persistAndNotify(p, old)
}

// Close transitions an open position to closed, persists, and notifies.
func (s *Store) Close(id uuid.UUID, sig string, closePrice, closeAmountSol decimal.Decimal) error {
	s.mu.Lock()
	p, ok := s.all[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	old := p.GetStatus()
	p.MarkClosed(sig, closePrice, closeAmountSol)
	delete(s.open, id)
	s.closed[id] = p
	s.mu.Unlock()

	return s.persistAndNotify(p, old)
}

// Cancel transitions a pending position to cancelled, persists, and notifies.
func (s *Store) Cancel(id uuid.UUID, reason string) error {
	s.mu.Lock()
	p, ok := s.all[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("position %s not found", id)
	}
	old := p.GetStatus()
	p.MarkCancelled(reason)
	s.removeFromPending(id)
	s.mu.Unlock()

	return s.persistAndNotify(p, old)
}

// MarkExecuting transitions pending -> executing. Does not notify.
func (s *Store) MarkExecuting(id uuid.UUID) error {
	s.mu.Lock()
	p, ok := s.all[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	p.MarkExecuting()
	return s.saveState()
}

func (s *Store) removeFromPending(id uuid.UUID) {
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Store) persistAndNotify(p *Position, oldStatus Status) error {
	if err := s.saveState(); err != nil {
		return err
	}

	s.mu.Lock()
	cb := s.onChange
	s.mu.Unlock()

	newStatus := p.GetStatus()
	if cb != nil && notifyingStatuses[newStatus] {
		cb(StatusChangeEvent{
			Position:  p.Snapshot(),
			OldStatus: oldStatus,
			NewStatus: newStatus,
		})
	}
	return nil
}

// GetByID returns a position snapshot by id.
func (s *Store) GetByID(id uuid.UUID) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.all[id]
	if !ok {
		return Position{}, false
	}
	return p.Snapshot(), true
}

// GetOpen returns snapshots of all open positions, optionally filtered by
// a predicate over the live pointer.
func (s *Store) GetOpen(filter func(*Position) bool) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Position, 0, len(s.open))
	for _, p := range s.open {
		if filter != nil && !filter(p) {
			continue
		}
		out = append(out, p.Snapshot())
	}
	return out
}

// Stats is a point-in-time summary of the store's contents.
type Stats struct {
	Pending int
	Open    int
	Closed  int
}

// GetStats returns counts across the three queues.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending: len(s.pending),
		Open:    len(s.open),
		Closed:  len(s.closed),
	}
}

// file names under dataDir, per spec.md §6.
const (
	pendingFile = "pending_positions.json"
	openFile    = "open_positions.json"
	closedFile  = "closed_positions.json"
)

// SaveState rewrites all three JSON files from the current in-memory state.
// There is no journal: durability is at "last save wins" granularity,
// acceptable because every write precedes the next action.
func (s *Store) saveState() error {
	s.mu.Lock()
	pendingSnap := snapshotSlice(s.pending)
	openSnap := snapshotMap(s.open)
	closedSnap := snapshotMap(s.closed)
	s.mu.Unlock()

	if err := writeJSONFile(filepath.Join(s.dataDir, pendingFile), pendingSnap); err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	if err := writeJSONFile(filepath.Join(s.dataDir, openFile), openSnap); err != nil {
		return fmt.Errorf("save open: %w", err)
	}
	if err := writeJSONFile(filepath.Join(s.dataDir, closedFile), closedSnap); err != nil {
		return fmt.Errorf("save closed: %w", err)
	}
	return nil
}

// SaveState is the exported form of saveState, per the spec's public
// operation list.
func (s *Store) SaveState() error {
	return s.saveState()
}

// LoadFromDisk hydrates the store from the three JSON files. Missing files
// are treated as empty, not an error.
func (s *Store) LoadFromDisk() error {
	pendingSnap, err := readJSONFile(filepath.Join(s.dataDir, pendingFile))
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}
	openSnap, err := readJSONFile(filepath.Join(s.dataDir, openFile))
	if err != nil {
		return fmt.Errorf("load open: %w", err)
	}
	closedSnap, err := readJSONFile(filepath.Join(s.dataDir, closedFile))
	if err != nil {
		return fmt.Errorf("load closed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = nil
	s.open = make(map[uuid.UUID]*Position)
	s.closed = make(map[uuid.UUID]*Position)
	s.all = make(map[uuid.UUID]*Position)

	for _, snap := range pendingSnap {
		p := hydrate(snap)
		s.pending = append(s.pending, p)
		s.all[p.ID] = p
	}
	for _, snap := range openSnap {
		p := hydrate(snap)
		s.open[p.ID] = p
		s.all[p.ID] = p
	}
	for _, snap := range closedSnap {
		p := hydrate(snap)
		s.closed[p.ID] = p
		s.all[p.ID] = p
	}

	log.Info().
		Int("pending", len(s.pending)).
		Int("open", len(s.open)).
		Int("closed", len(s.closed)).
		Msg("position store loaded from disk")

	return nil
}

func hydrate(snap Position) *Position {
	cp := snap
	cp.mu = sync.RWMutex{}
	return &cp
}

func snapshotSlice(ps []*Position) []Position {
	out := make([]Position, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Snapshot())
	}
	return out
}

func snapshotMap(m map[uuid.UUID]*Position) []Position {
	out := make([]Position, 0, len(m))
	for _, p := range m {
		out = append(out, p.Snapshot())
	}
	return out
}

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readJSONFile(path string) ([]Position, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
