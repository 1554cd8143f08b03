// Package store implements the State Store (C1): the single durable
// source of truth for open positions, the append-only audit trail, and
// free-form tunable parameters. Every positions, pending-intent and
// params write lands on disk through a temp-file-then-rename so a crash
// mid-write never corrupts the previous good snapshot; audit.log is
// appended to in place.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"botcore/internal/concurrency"
	"botcore/internal/errs"
)

// Position is the durable record of one open or closed trade. Money-like
// fields are decimal.Decimal, not float64, to keep the trailing-stop
// comparisons in C7 strictly monotone. ID is the position handle C7
// hands back to callers; IntentID is the TradeIntent that opened it, the
// key C7 uses to detect a retried open.
type Position struct {
	ID              string          `json:"id"`
	IntentID        string          `json:"intent_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"` // "long" or "short"
	Status          string          `json:"status"` // "open", "closing", "closed"
	Quantity        decimal.Decimal `json:"quantity"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	PeakPrice       decimal.Decimal `json:"peak_price"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	CloseReason     string          `json:"close_reason,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ClosedAt        time.Time       `json:"closed_at,omitempty"`
}

// PendingIntent is the pre-execution record C7 writes before it calls out
// to the external venue, so a crash between "decided to open" and
// "venue confirmed" can be reconciled on restart instead of silently
// losing or duplicating the intent.
type PendingIntent struct {
	IntentID  string    `json:"intent_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	CreatedAt time.Time `json:"created_at"`
}

// pendingDoc is the on-disk shape of pending_intents.v1.json.
type pendingDoc struct {
	Version  int                      `json:"version"`
	Pending  map[string]PendingIntent `json:"pending"`
}

// AuditEntry is one line of the append-only audit.log.
type AuditEntry struct {
	Seq       int64                  `json:"seq"`
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Action    string                 `json:"action"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// positionsDoc is the on-disk shape of positions.v1.json.
type positionsDoc struct {
	Version   int                 `json:"version"`
	Positions map[string]Position `json:"positions"`
}

// Store is C1's single entry point. It owns positions.v1.json, audit.log,
// params.json and the locks/ directory under Dir.
type Store struct {
	Dir string

	mu        sync.Mutex
	positions map[string]Position
	pending   map[string]PendingIntent
	params    map[string]interface{}

	auditSeq *concurrency.SequenceGenerator
	auditMu  sync.Mutex
}

// Open loads existing state from dir (creating dir and its locks/
// subdirectory on first run; missing files load as empty state) and
// returns a ready Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "locks"), 0o755); err != nil {
		return nil, errs.Wrap(errs.Persistence, "store.Open", err)
	}

	s := &Store{
		Dir:       dir,
		positions: make(map[string]Position),
		pending:   make(map[string]PendingIntent),
		params:    make(map[string]interface{}),
	}

	if err := s.loadPositions(); err != nil {
		return nil, err
	}
	if err := s.loadPending(); err != nil {
		return nil, err
	}
	if err := s.loadParams(); err != nil {
		return nil, err
	}
	seq, err := s.lastAuditSeq()
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "store.Open", err)
	}
	s.auditSeq = concurrency.NewSequenceGenerator(seq)

	return s, nil
}

func (s *Store) positionsPath() string { return filepath.Join(s.Dir, "positions.v1.json") }
func (s *Store) pendingPath() string   { return filepath.Join(s.Dir, "pending_intents.v1.json") }
func (s *Store) paramsPath() string    { return filepath.Join(s.Dir, "params.json") }
func (s *Store) auditPath() string     { return filepath.Join(s.Dir, "audit.log") }

// writeAtomic writes data to path via a .tmp sibling, fsync, then rename -
// the same shape as the write-queue's flush and the retrieval
// pack's state-persistence helpers (tempFile := path + ".tmp"; os.Rename;
// f.Sync()).
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// recoverFromTmp resolves a crash between writeAtomic's fsync and its
// rename: if path.tmp exists but path does not, the write never reached
// the rename and path.tmp is promoted to path; if both exist, path is
// the completed write and the stale tmp is discarded.
func recoverFromTmp(path string) error {
	tmp := path + ".tmp"
	if _, err := os.Stat(tmp); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.Rename(tmp, path)
	} else if err != nil {
		return err
	}
	return os.Remove(tmp)
}

func (s *Store) loadPositions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := recoverFromTmp(s.positionsPath()); err != nil {
		return errs.Wrap(errs.Persistence, "store.loadPositions", err)
	}

	data, err := os.ReadFile(s.positionsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Persistence, "store.loadPositions", err)
	}

	var doc positionsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Wrap(errs.Persistence, "store.loadPositions", err)
	}
	if doc.Positions != nil {
		s.positions = doc.Positions
	}
	return nil
}

// SavePositions persists the full position set atomically.
func (s *Store) SavePositions(positions map[string]Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := positionsDoc{Version: 1, Positions: positions}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Contract, "store.SavePositions", err)
	}
	if err := writeAtomic(s.positionsPath(), data); err != nil {
		return errs.Wrap(errs.Persistence, "store.SavePositions", err)
	}

	cp := make(map[string]Position, len(positions))
	for k, v := range positions {
		cp[k] = v
	}
	s.positions = cp
	return nil
}

// LoadPositions returns the currently loaded position set.
func (s *Store) LoadPositions() (map[string]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		cp[k] = v
	}
	return cp, nil
}

func (s *Store) loadPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := recoverFromTmp(s.pendingPath()); err != nil {
		return errs.Wrap(errs.Persistence, "store.loadPending", err)
	}

	data, err := os.ReadFile(s.pendingPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Persistence, "store.loadPending", err)
	}

	var doc pendingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return errs.Wrap(errs.Persistence, "store.loadPending", err)
	}
	if doc.Pending != nil {
		s.pending = doc.Pending
	}
	return nil
}

func (s *Store) savePendingLocked() error {
	doc := pendingDoc{Version: 1, Pending: s.pending}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Contract, "store.savePendingLocked", err)
	}
	return writeAtomic(s.pendingPath(), data)
}

// AddPendingIntent records intent as pending before C7 calls out to the
// external venue, so a crash before the matching RemovePendingIntent
// leaves a durable trail for restart reconciliation.
func (s *Store) AddPendingIntent(intent PendingIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]PendingIntent, len(s.pending)+1)
	for k, v := range s.pending {
		next[k] = v
	}
	next[intent.IntentID] = intent
	prev := s.pending
	s.pending = next
	if err := s.savePendingLocked(); err != nil {
		s.pending = prev
		return errs.Wrap(errs.Persistence, "store.AddPendingIntent", err)
	}
	return nil
}

// RemovePendingIntent clears a pending record once the intent has
// resolved, either into an opened Position or a Rejected outcome.
func (s *Store) RemovePendingIntent(intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[intentID]; !ok {
		return nil
	}
	next := make(map[string]PendingIntent, len(s.pending))
	for k, v := range s.pending {
		if k != intentID {
			next[k] = v
		}
	}
	prev := s.pending
	s.pending = next
	if err := s.savePendingLocked(); err != nil {
		s.pending = prev
		return errs.Wrap(errs.Persistence, "store.RemovePendingIntent", err)
	}
	return nil
}

// LoadPending returns every pending intent not yet resolved, used by C7
// on startup to reconcile intents interrupted mid-flight.
func (s *Store) LoadPending() (map[string]PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]PendingIntent, len(s.pending))
	for k, v := range s.pending {
		cp[k] = v
	}
	return cp, nil
}

// UpsertPosition writes a single position atomically against the full
// position set, the shape C7 uses on open/price-update/close rather than
// requiring callers to read-modify-write the whole map themselves.
func (s *Store) UpsertPosition(p Position) error {
	s.mu.Lock()
	next := make(map[string]Position, len(s.positions)+1)
	for k, v := range s.positions {
		next[k] = v
	}
	next[p.ID] = p
	s.mu.Unlock()
	return s.SavePositions(next)
}

// GetPosition returns a single position by handle.
func (s *Store) GetPosition(id string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	return p, ok
}

func (s *Store) loadParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := recoverFromTmp(s.paramsPath()); err != nil {
		return errs.Wrap(errs.Persistence, "store.loadParams", err)
	}

	data, err := os.ReadFile(s.paramsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Persistence, "store.loadParams", err)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return errs.Wrap(errs.Persistence, "store.loadParams", err)
	}
	s.params = params
	return nil
}

// GetParam returns the named tunable and whether it was set.
func (s *Store) GetParam(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[key]
	return v, ok
}

// SetParam persists a named tunable, atomically rewriting params.json.
func (s *Store) SetParam(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]interface{}, len(s.params)+1)
	for k, v := range s.params {
		next[k] = v
	}
	next[key] = value

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Contract, "store.SetParam", err)
	}
	if err := writeAtomic(s.paramsPath(), data); err != nil {
		return errs.Wrap(errs.Persistence, "store.SetParam", err)
	}
	s.params = next
	return nil
}

// AppendAudit appends one line to audit.log with a monotone seq. The
// write is best-effort: a persistent failure is surfaced to the caller
// (who is expected to raise an alert through the supervisor) rather than
// silently dropped, mirroring the write-queue which retries a
// bounded number of times before giving up loudly.
func (s *Store) AppendAudit(component, action string, detail map[string]interface{}) (AuditEntry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	entry := AuditEntry{
		Seq:       s.auditSeq.Next(),
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Component: component,
		Action:    action,
		Detail:    detail,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return entry, errs.Wrap(errs.Contract, "store.AppendAudit", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.auditPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return entry, errs.Wrap(errs.Persistence, "store.AppendAudit", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return entry, errs.Wrap(errs.Persistence, "store.AppendAudit", err)
	}
	return entry, f.Sync()
}

// lastAuditSeq scans audit.log for the highest seq already written, so a
// restarted process resumes the sequence instead of reusing numbers.
func (s *Store) lastAuditSeq() (int64, error) {
	f, err := os.Open(s.auditPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, scanner.Err()
}

// ReadAudit returns every audit entry currently on disk, oldest first.
func (s *Store) ReadAudit() ([]AuditEntry, error) {
	f, err := os.Open(s.auditPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "store.ReadAudit", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("store.ReadAudit: corrupt audit line: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
