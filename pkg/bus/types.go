package bus

// InboundMessage is what a transport adapter hands to the bus after
// normalizing a wire-level event.
type InboundMessage struct {
	Channel    string
	SenderID   string
	ChatID     string
	SessionKey string
	Content    string
	Media      []string
	Metadata   map[string]string
}

// OutboundMessage is what the bus hands to the ChannelSupervisor for
// delivery on a transport.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Media    []string
	Metadata map[string]string
}

// MessageHandler is a per-channel inbound callback, kept for adapters
// that want to register a direct handler instead of going through the
// queue (used by tests and by the CLI local loop).
type MessageHandler func(msg InboundMessage) error

// Priority is one of the four inbound sub-queue levels.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// QueuedMessage wraps an InboundMessage with the bus's own bookkeeping.
type QueuedMessage struct {
	ID         string
	Message    InboundMessage
	Priority   Priority
	Timestamp  int64 // unix millis, enqueue time
	RetryCount int
	MaxRetries int
}

// Metrics is the bus's point-in-time counters, exposed at /api/queue/stats.
type Metrics struct {
	TotalReceived   int64
	TotalProcessed  int64
	TotalFailed     int64
	TotalDuplicates int64
	QueueSizes      map[string]int
	DeadLetterSize  int
}
