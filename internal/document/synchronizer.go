package document

import (
	"sync"
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"go.uber.org/zap"
)

// logCap bounds the per-document commit log kept for transforming late
// arrivals. An op based further back than this window cannot be transformed
// precisely anymore; in practice reconnect re-joins reset the base first.
const logCap = 1024

type doc struct {
	id           string
	content      []rune
	version      uint64
	log          []committedOp
	applied      map[string]struct{}
	pending      []Operation // ops ahead of this replica, ordered by arrival
	cursors      map[string]Cursor
	lastActivity time.Time
}

// Synchronizer is the per-document operation log and merge engine. Any two
// replicas fed the same multiset of operations converge to identical content
// and version regardless of arrival order.
type Synchronizer struct {
	logger *zap.Logger
	mu     sync.RWMutex
	docs   map[string]*doc
}

// NewSynchronizer creates an empty document synchronizer
func NewSynchronizer(logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		logger: logger.Named("document"),
		docs:   make(map[string]*doc),
	}
}

// Join registers a document with its initial content (supplied by the
// document-storage collaborator) and returns its snapshot. Joining an
// already-joined document is a no-op returning current state.
func (s *Synchronizer) Join(id, initial string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		d = &doc{
			id:           id,
			content:      []rune(initial),
			applied:      make(map[string]struct{}),
			cursors:      make(map[string]Cursor),
			lastActivity: time.Now(),
		}
		s.docs[id] = d
		s.logger.Debug("joined document", zap.String("id", id))
	}
	return d.snapshot()
}

// Leave drops all local state for a document.
func (s *Synchronizer) Leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// Get returns the snapshot of a joined document.
func (s *Synchronizer) Get(id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return Snapshot{}, cnst.ErrDocumentNotJoined
	}
	return d.snapshot(), nil
}

// Apply merges one operation into its document. Replays of an already
// committed operation id are detected and skipped; operations based on a
// stale version are transformed before applying; operations ahead of this
// replica are buffered until the missing commits arrive.
func (s *Synchronizer) Apply(op Operation) (Result, error) {
	if op.Type != OpInsert && op.Type != OpDelete && op.Type != OpReplace {
		return Result{}, cnst.ErrUnknownOperationType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[op.DocumentID]
	if !ok {
		return Result{}, cnst.ErrDocumentNotJoined
	}

	res := d.apply(op, s.logger)
	d.drainPending(s.logger)
	res.Content = string(d.content)
	res.Version = d.version
	return res, nil
}

// SetCursor records a collaborator's cursor for a joined document.
func (s *Synchronizer) SetCursor(docID string, cur Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[docID]
	if !ok {
		return cnst.ErrDocumentNotJoined
	}
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now()
	}
	d.cursors[cur.UserID] = cur
	d.lastActivity = time.Now()
	return nil
}

// Cursors returns the collaborator cursors of a joined document.
func (s *Synchronizer) Cursors(docID string) (map[string]Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[docID]
	if !ok {
		return nil, cnst.ErrDocumentNotJoined
	}
	out := make(map[string]Cursor, len(d.cursors))
	for k, v := range d.cursors {
		out[k] = v
	}
	return out, nil
}

// EvictIdle removes documents with no activity within the idle bound and
// returns how many were evicted. Invoked by the resource reaper.
func (s *Synchronizer) EvictIdle(idle time.Duration) int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, d := range s.docs {
		if now.Sub(d.lastActivity) > idle {
			delete(s.docs, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("evicted idle documents", zap.Int("count", evicted))
	}
	return evicted
}

// Len returns the number of joined documents.
func (s *Synchronizer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Clear drops all documents.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]*doc)
}

func (d *doc) snapshot() Snapshot {
	cursors := make(map[string]Cursor, len(d.cursors))
	for k, v := range d.cursors {
		cursors[k] = v
	}
	return Snapshot{
		ID:      d.id,
		Content: string(d.content),
		Version: d.version,
		Pending: len(d.pending),
		Cursors: cursors,
	}
}

func (d *doc) apply(op Operation, logger *zap.Logger) Result {
	if _, dup := d.applied[op.ID]; dup {
		// replay after reconnect, already committed
		return Result{}
	}
	if op.Version > d.version {
		for _, p := range d.pending {
			if p.ID == op.ID {
				return Result{Buffered: true}
			}
		}
		d.pending = append(d.pending, op)
		return Result{Buffered: true}
	}

	tr := transformAgainst(op, d.log)

	d.version++
	d.applied[op.ID] = struct{}{}
	d.lastActivity = time.Now()

	if tr.dropped {
		// the target span was removed concurrently; commit as a no-op so
		// version counting and replay detection stay aligned across replicas
		d.log = append(d.log, committedOp{op: op, pos: tr.pos, commitVersion: d.version})
		d.trimLog()
		logger.Debug("dropped operation inside removed span",
			zap.String("doc", d.id),
			zap.String("op", op.ID))
		return Result{Applied: true, Transformed: true}
	}

	// clamp the edit window to the current bounds; the clamped values are what
	// later transforms must shift against, so they are recorded in the log
	pos, del := tr.pos, tr.extent
	if pos > len(d.content) {
		pos = len(d.content)
	}
	if pos+del > len(d.content) {
		del = len(d.content) - pos
	}

	d.splice(op.Type, pos, del, op.Payload)

	d.log = append(d.log, committedOp{
		op:            op,
		pos:           pos,
		removed:       del,
		inserted:      op.insertLen(),
		commitVersion: d.version,
	})
	d.trimLog()

	if tr.moved {
		logger.Debug("transformed stale operation",
			zap.String("doc", d.id),
			zap.String("op", op.ID),
			zap.Int("from", op.Position),
			zap.Int("to", pos))
	}
	return Result{Applied: true, Transformed: tr.moved}
}

func (d *doc) trimLog() {
	if len(d.log) > logCap {
		d.log = d.log[len(d.log)-logCap:]
	}
}

// drainPending retries buffered operations until no further progress is made.
// Each committed op can unlock others, so the scan repeats.
func (d *doc) drainPending(logger *zap.Logger) {
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			if op.Version > d.version {
				remaining = append(remaining, op)
				continue
			}
			// applies now, or is a duplicate and gets dropped either way
			if res := d.apply(op, logger); res.Applied {
				progressed = true
			}
		}
		d.pending = remaining
		if !progressed {
			return
		}
	}
}

// splice mutates the content for one committed operation. pos and del are
// already clamped to the current bounds.
func (d *doc) splice(t OpType, pos, del int, payload string) {
	if t == OpDelete {
		d.content = append(d.content[:pos], d.content[pos+del:]...)
		return
	}

	insert := []rune(payload)
	next := make([]rune, 0, len(d.content)-del+len(insert))
	next = append(next, d.content[:pos]...)
	next = append(next, insert...)
	next = append(next, d.content[pos+del:]...)
	d.content = next
}
