package tabcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/sqlvfs/sqlvfs/internal/errs"
)

// streamName and subjectPrefix follow the same per-domain JetStream
// stream convention the rest of the pack uses for its event buses: one
// durable stream, one subject prefix, subjects scoped further per
// entity (here, per database name) so subscribers can filter cheaply.
const (
	streamName    = "SQLVFS_TAB_COORD"
	subjectPrefix = "sqlvfs.coord."
)

// EnsureStream creates the coordinator's JetStream stream if absent.
func EnsureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectPrefix + ">"},
			Storage:  nats.MemoryStorage,
			MaxAge:   0,
			MaxMsgs:  100000,
		})
		if err != nil {
			return fmt.Errorf("sqlvfs: create %s stream: %w", streamName, err)
		}
	}
	return nil
}

func subjectFor(db string) string {
	return subjectPrefix + db
}

// NATSChannel implements Channel over NATS JetStream (§6 Cross-tab
// channel). JetStream gives at-least-once delivery across tabs/process
// restarts for free, matching the channel contract directly.
type NATSChannel struct {
	js   nats.JetStreamContext
	subs []*nats.Subscription
}

// NewNATSChannel wraps an already-connected JetStream context. Callers
// are responsible for the underlying *nats.Conn's lifecycle.
func NewNATSChannel(js nats.JetStreamContext) (*NATSChannel, error) {
	if err := EnsureStream(js); err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "ensure coordinator stream")
	}
	return &NATSChannel{js: js}, nil
}

func (c *NATSChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.BackendIO, err, "marshal coordinator message")
	}
	if _, err := c.js.Publish(subjectFor(msg.DB), data); err != nil {
		return errs.Wrap(errs.BackendIO, err, "publish to %s", subjectFor(msg.DB))
	}
	return nil
}

func (c *NATSChannel) Subscribe(ctx context.Context, db string, handler func(Message)) (func(), error) {
	sub, err := c.js.Subscribe(subjectFor(db), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("sqlvfs: tabcoord: bad message on %s: %v", m.Subject, err)
			return
		}
		handler(msg)
	}, nats.DeliverNew())
	if err != nil {
		return nil, errs.Wrap(errs.BackendIO, err, "subscribe to %s", subjectFor(db))
	}
	c.subs = append(c.subs, sub)
	return func() { _ = sub.Unsubscribe() }, nil
}

func (c *NATSChannel) Close() error {
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

var _ Channel = (*NATSChannel)(nil)
