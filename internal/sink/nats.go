package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/version"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "contactfinder.contacts"

// Publisher is the subset of *nats.Conn used by the NATS sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes each contact as a JSON message.
type NATS struct {
	pub     Publisher
	subject string
	drain   func() error
}

// NewNATS publishes through pub. The caller keeps ownership of the connection.
func NewNATS(pub Publisher, subject string) (*NATS, error) {
	if pub == nil {
		return nil, errors.New("nats sink: publisher is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject}, nil
}

// ConnectNATS dials url and returns a sink that drains the connection on Close.
func ConnectNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("contactfinder/"+version.Current),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s, err := NewNATS(nc, subject)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.drain = nc.Drain
	return s, nil
}

func (s *NATS) Emit(ctx context.Context, c discover.Contact) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

func (s *NATS) Close() error {
	if s.drain == nil {
		return nil
	}
	return s.drain()
}
