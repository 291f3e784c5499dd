package notification

import (
	"sync"
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
	"go.uber.org/zap"
)

// Notification is one entry in the center, priority-tagged for display.
type Notification struct {
	ID        string                    `json:"id"`
	Type      string                    `json:"type"`
	Title     string                    `json:"title"`
	Message   string                    `json:"message"`
	Timestamp time.Time                 `json:"timestamp"`
	UserID    string                    `json:"userId,omitempty"`
	Read      bool                      `json:"read"`
	Priority  cnst.NotificationPriority `json:"priority"`
}

// Center is a capacity-bounded notification store with incremental
// read/unread accounting. Insertion order is preserved; once the cap is
// exceeded the oldest entry is evicted first.
type Center struct {
	logger *zap.Logger
	cap    int

	mu     sync.RWMutex
	order  []*Notification
	byID   map[string]*Notification
	unread int
}

// NewCenter creates a notification center with the given capacity
func NewCenter(logger *zap.Logger, capacity int) *Center {
	if capacity <= 0 {
		capacity = 100
	}
	return &Center{
		logger: logger.Named("notification"),
		cap:    capacity,
		byID:   make(map[string]*Notification),
	}
}

// Add stores a notification, evicting the oldest entry when over cap.
// Re-adding an existing id is a no-op.
func (c *Center) Add(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.byID[n.ID]; dup {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.Priority == "" {
		n.Priority = cnst.PriorityLow
	}

	stored := &n
	c.order = append(c.order, stored)
	c.byID[n.ID] = stored
	if !n.Read {
		c.unread++
	}
	c.evictLocked()
}

// evictLocked enforces the cap, dropping oldest entries first.
func (c *Center) evictLocked() {
	for len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byID, oldest.ID)
		if !oldest.Read {
			c.unread--
		}
		c.logger.Debug("evicted notification", zap.String("id", oldest.ID))
	}
}

// MarkRead marks a notification as read. Marking an already-read entry again
// is a no-op and does not decrement the unread count further.
func (c *Center) MarkRead(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.byID[id]
	if !ok {
		return cnst.ErrNotificationNotFound
	}
	if !n.Read {
		n.Read = true
		c.unread--
	}
	return nil
}

// MarkAllRead marks every stored notification as read.
func (c *Center) MarkAllRead() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.order {
		n.Read = true
	}
	c.unread = 0
}

// ClearAll drops every notification.
func (c *Center) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = nil
	c.byID = make(map[string]*Notification)
	c.unread = 0
}

// List returns all notifications in insertion order.
func (c *Center) List() []Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Notification, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, *n)
	}
	return out
}

// Unread returns the unread notifications in insertion order.
func (c *Center) Unread() []Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Notification, 0, c.unread)
	for _, n := range c.order {
		if !n.Read {
			out = append(out, *n)
		}
	}
	return out
}

// UnreadCount returns the incrementally maintained unread count.
func (c *Center) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// Len returns the number of stored notifications.
func (c *Center) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// EnforceCap re-applies the capacity bound, for sweeps after batched
// updates. Returns how many entries were evicted.
func (c *Center) EnforceCap() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := len(c.order)
	c.evictLocked()
	return before - len(c.order)
}
