// Package natsrelay republishes bus events on NATS so other processes can
// observe schedule firings and run outcomes.
package natsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"autopanel/internal/eventbus"
	logx "autopanel/pkg/logx"
)

const DefaultPrefix = "autopanel"

type Config struct {
	URL           string
	SubjectPrefix string
}

// Publisher is the slice of *nats.Conn the relay uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON envelope sent on every subject.
type Message struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Relay struct {
	pub    Publisher
	prefix string
	log    logx.Logger
	conn   *nats.Conn
}

// Connect dials the server and returns a relay owning the connection.
func Connect(cfg Config, log logx.Logger) (*Relay, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("autopanel"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, err
	}
	r := New(nc, cfg.SubjectPrefix, log)
	r.conn = nc
	return r, nil
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string, log logx.Logger) *Relay {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{pub: pub, prefix: prefix, log: log}
}

// Subject maps an event type to "<prefix>.<type>".
func (r *Relay) Subject(typ string) string { return r.prefix + "." + typ }

// Run forwards events until ctx ends or the channel closes.
func (r *Relay) Run(ctx context.Context, events <-chan eventbus.Event) error {
	var failures int
	for {
		select {
		case <-ctx.Done():
			if failures > 0 {
				r.log.Warn("nats relay publish failures", logx.Int("count", failures))
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Forward(ev); err != nil {
				failures++
				r.log.Debug("nats relay publish failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (r *Relay) Forward(ev eventbus.Event) error {
	if ev.Type == "" {
		return errors.New("event without type")
	}
	body, err := json.Marshal(Message{Type: ev.Type, Time: ev.Time.UTC(), Data: ev.Data})
	if err != nil {
		return err
	}
	return r.pub.Publish(r.Subject(ev.Type), body)
}

// Close flushes pending messages and closes a connection opened by Connect.
func (r *Relay) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Drain()
	if err != nil {
		r.conn.Close()
	}
	return err
}
