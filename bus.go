package arbor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MessageKind identifies a cell message. Kinds come in three families:
// vertical (parent <-> child), lateral (sibling <-> sibling), and broadcast.
type MessageKind string

const (
	// Vertical family.
	MsgDelegate MessageKind = "DELEGATE"
	MsgRedirect MessageKind = "REDIRECT"
	MsgFeedback MessageKind = "FEEDBACK"
	MsgCancel   MessageKind = "CANCEL"
	MsgResource MessageKind = "RESOURCE"
	MsgClarify  MessageKind = "CLARIFY"
	MsgProgress MessageKind = "PROGRESS"
	MsgEscalate MessageKind = "ESCALATE"
	MsgPartial  MessageKind = "PARTIAL"
	MsgBlocked  MessageKind = "BLOCKED"

	// Lateral family.
	MsgShare      MessageKind = "SHARE"
	MsgConsult    MessageKind = "CONSULT"
	MsgCoordinate MessageKind = "COORDINATE"
	MsgHandoff    MessageKind = "HANDOFF"
	MsgConflict   MessageKind = "CONFLICT"

	// Broadcast family.
	MsgAnnounce MessageKind = "ANNOUNCE"
	MsgAlert    MessageKind = "ALERT"
	MsgUpdate   MessageKind = "UPDATE"
)

// Family returns "vertical", "lateral", or "broadcast".
func (k MessageKind) Family() string {
	switch k {
	case MsgShare, MsgConsult, MsgCoordinate, MsgHandoff, MsgConflict:
		return "lateral"
	case MsgAnnounce, MsgAlert, MsgUpdate:
		return "broadcast"
	default:
		return "vertical"
	}
}

// Message is one unit on the cell bus.
type Message struct {
	Kind    MessageKind
	From    string
	To      string // empty for broadcasts
	Reason  string // CANCEL: "stall", "timeout", "parent"; RESOURCE: "grant"
	Payload any
	Tokens  int64 // RESOURCE: granted amount; PROGRESS: revised allotment
	SentAt  time.Time
}

// CellBus routes messages between registered cells. Each cell owns one
// buffered inbox; sends from a single sender goroutine arrive in program
// order (FIFO per sender/receiver pair), with no global order across
// senders. Sends to a full inbox drop the message with a warning rather
// than block: the bus is a control plane, never the data plane.
type CellBus struct {
	mu      sync.RWMutex
	inboxes map[string]chan Message
	logger  *slog.Logger
	buffer  int
	dropped atomic.Int64
	sent    atomic.Int64
}

// BusOption configures a CellBus.
type BusOption func(*CellBus)

// BusBuffer sets the per-cell inbox capacity (default 64).
func BusBuffer(n int) BusOption {
	return func(b *CellBus) { b.buffer = n }
}

// BusLogger sets the structured logger for drop warnings.
func BusLogger(l *slog.Logger) BusOption {
	return func(b *CellBus) { b.logger = l }
}

// NewCellBus creates an empty bus.
func NewCellBus(opts ...BusOption) *CellBus {
	b := &CellBus{inboxes: make(map[string]chan Message), buffer: 64}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Register creates an inbox for cellID and returns its receive side.
// Registering an already-registered id returns the existing inbox.
func (b *CellBus) Register(cellID string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[cellID]; ok {
		return ch
	}
	ch := make(chan Message, b.buffer)
	b.inboxes[cellID] = ch
	return ch
}

// Unregister removes a cell's inbox. Pending messages are discarded.
func (b *CellBus) Unregister(cellID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, cellID)
}

// Send delivers msg to its target cell. Returns false if the target is
// unknown or its inbox is full (the message is dropped, not queued).
func (b *CellBus) Send(msg Message) bool {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	b.mu.RLock()
	ch, ok := b.inboxes[msg.To]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("message to unknown cell dropped", "kind", msg.Kind, "from", msg.From, "to", msg.To)
		b.dropped.Add(1)
		return false
	}
	select {
	case ch <- msg:
		b.sent.Add(1)
		return true
	default:
		b.logger.Warn("inbox full, message dropped", "kind", msg.Kind, "from", msg.From, "to", msg.To)
		b.dropped.Add(1)
		return false
	}
}

// Broadcast delivers msg to every registered cell except the sender.
// Returns the number of cells reached.
func (b *CellBus) Broadcast(msg Message) int {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	b.mu.RLock()
	targets := make(map[string]chan Message, len(b.inboxes))
	for id, ch := range b.inboxes {
		if id != msg.From {
			targets[id] = ch
		}
	}
	b.mu.RUnlock()

	n := 0
	for id, ch := range targets {
		m := msg
		m.To = id
		select {
		case ch <- m:
			b.sent.Add(1)
			n++
		default:
			b.logger.Warn("inbox full, broadcast dropped for cell", "kind", msg.Kind, "to", id)
			b.dropped.Add(1)
		}
	}
	return n
}

// Dropped returns the count of messages dropped since creation.
func (b *CellBus) Dropped() int64 { return b.dropped.Load() }

// Sent returns the count of messages delivered since creation.
func (b *CellBus) Sent() int64 { return b.sent.Load() }
