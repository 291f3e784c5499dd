package document

import (
	"time"
)

// OpType is the kind of document change an operation carries.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpReplace OpType = "replace"
)

// Operation is an immutable unit of document change. ID is globally unique
// and makes replays idempotent; Version is the document version the author
// observed when generating the operation.
type Operation struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Type       OpType    `json:"type"`
	Position   int       `json:"position"`
	Payload    string    `json:"payload,omitempty"`
	Length     int       `json:"length,omitempty"` // extent for delete/replace; defaults to len(Payload)
	AuthorID   string    `json:"authorId"`
	Version    uint64    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

// extent is the number of characters the operation removes.
func (op Operation) extent() int {
	if op.Type == OpInsert {
		return 0
	}
	if op.Length > 0 {
		return op.Length
	}
	return len([]rune(op.Payload))
}

// insertLen is the number of characters the operation adds.
func (op Operation) insertLen() int {
	if op.Type == OpDelete {
		return 0
	}
	return len([]rune(op.Payload))
}

// less is the total order over operations: version first, then timestamp,
// then author id as the final deterministic tie-break.
func (op Operation) less(other Operation) bool {
	if op.Version != other.Version {
		return op.Version < other.Version
	}
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.Before(other.Timestamp)
	}
	return op.AuthorID < other.AuthorID
}

// Cursor is one collaborator's position within a document.
type Cursor struct {
	UserID         string    `json:"userId"`
	Position       int       `json:"position"`
	SelectionStart int       `json:"selectionStart,omitempty"`
	SelectionEnd   int       `json:"selectionEnd,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Snapshot is the externally visible state of a document.
type Snapshot struct {
	ID      string            `json:"id"`
	Content string            `json:"content"`
	Version uint64            `json:"version"`
	Pending int               `json:"pending"`
	Cursors map[string]Cursor `json:"cursors,omitempty"`
}

// Result reports the outcome of applying one operation.
type Result struct {
	Content     string `json:"content"`
	Version     uint64 `json:"version"`
	Applied     bool   `json:"applied"`     // false for replays and buffered ops
	Transformed bool   `json:"transformed"` // position was adjusted against newer commits
	Buffered    bool   `json:"buffered"`    // op observed a version this replica has not reached yet
}
