package tabcoord

import "context"

// MessageKind tags the variants of the broadcast channel's wire
// protocol (§6 "Cross-tab channel").
type MessageKind int

const (
	KindChange MessageKind = iota
	KindLeaderChanged
	KindWriteRequest
	KindWriteResponse
	KindWriteCancel
)

// Message is one envelope on the broadcast channel, scoped to a single
// database name (§4.5, §6).
type Message struct {
	Kind MessageKind
	DB   string

	Epoch uint64 // Change, LeaderChanged

	NewHolder string // LeaderChanged

	CorrelationID string        // WriteRequest, WriteResponse, WriteCancel
	SQL           string        // WriteRequest
	Params        []byte        // WriteRequest, opaque encoded params
	DeadlineUnix  int64         // WriteRequest, unix millis
	OK            bool          // WriteResponse
	Result        []byte        // WriteResponse, opaque encoded QueryResult
	ErrorMessage  string        // WriteResponse, set when !OK
}

// Channel is the cross-tab broadcast primitive from §6: at-least-once
// delivery to every subscriber on the same origin, scoped by database
// name via subject/topic naming.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, db string, handler func(Message)) (unsubscribe func(), err error)
	Close() error
}
