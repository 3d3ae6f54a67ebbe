// Package messaging publishes request and batch state events to the
// AMQP bus. Publishing is strictly best-effort: every failure is
// logged and swallowed, a broken broker never fails a build.
package messaging

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"os"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
)

// Envelope is one message bound for one topic address.
type Envelope struct {
	Address string
	Body    []byte
}

// sender matches *amqp.Sender.
type sender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
}

// connection is one broker connection reusing one sender per address.
type connection interface {
	Sender(ctx context.Context, address string) (sender, error)
	Close() error
}

// Publisher fans state change events out to the configured topics.
type Publisher struct {
	cfg  *config.Messaging
	log  *logrus.Entry
	dial func(ctx context.Context, addr string) (connection, error)
}

// NewPublisher builds a publisher for the configured bus. An
// unconfigured bus is valid and turns every publish into a no-op.
func NewPublisher(cfg *config.Config, log *logrus.Entry) (*Publisher, error) {
	messaging := &cfg.Messaging
	tlsConfig, err := newTLSConfig(messaging)
	if err != nil {
		return nil, err
	}
	publisher := &Publisher{cfg: messaging, log: log}
	publisher.dial = func(ctx context.Context, addr string) (connection, error) {
		return dialBroker(ctx, addr, tlsConfig)
	}
	return publisher, nil
}

func newTLSConfig(cfg *config.Messaging) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, api.ConfigErrorf("The messaging CA certificate could not be read: %v", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, api.ConfigErrorf("The messaging CA certificate is not valid PEM")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, api.ConfigErrorf("The messaging client certificate could not be loaded: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// PublishStateChange emits the per-request envelope and, when the
// batch was just created or no member is left in progress, the batch
// envelope.
func (p *Publisher) PublishStateChange(ctx context.Context, request json.RawMessage, batch *api.BatchDocument, newBatch bool) {
	if !p.cfg.Enabled() {
		p.log.Debug("Messaging is not configured, skipping the state change message")
		return
	}
	envelopes := []Envelope{{Address: p.cfg.BuildStateDestination, Body: request}}
	if batch != nil && (newBatch || batch.State != api.StateInProgress) {
		body, err := json.Marshal(batch)
		if err != nil {
			p.log.WithError(err).Warning("Failed to serialize the batch state message")
		} else {
			envelopes = append(envelopes, Envelope{Address: p.cfg.BatchStateDestination, Body: body})
		}
	}
	p.publish(ctx, envelopes)
}

// publish walks the broker URLs in order, resuming from the first
// unsent envelope whenever a connection is lost.
func (p *Publisher) publish(ctx context.Context, envelopes []Envelope) {
	remaining := envelopes
	for _, url := range p.cfg.URLs {
		remaining = p.publishOverURL(ctx, url, remaining)
		if len(remaining) == 0 {
			return
		}
	}
	p.log.WithField("unsent", len(remaining)).Error("Failed to publish state change messages on every broker URL, giving up")
}

func (p *Publisher) publishOverURL(ctx context.Context, url string, envelopes []Envelope) []Envelope {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	conn, err := p.dial(dialCtx, url)
	cancel()
	if err != nil {
		p.log.WithError(err).WithField("url", url).Warning("Failed to connect to the message broker")
		return envelopes
	}
	defer func() {
		if err := conn.Close(); err != nil {
			p.log.WithError(err).Debug("Failed to close the broker connection")
		}
	}()
	return p.publishOverConnection(ctx, conn, envelopes)
}

func (p *Publisher) publishOverConnection(ctx context.Context, conn connection, envelopes []Envelope) []Envelope {
	senders := map[string]sender{}
	for i, envelope := range envelopes {
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
		snd, ok := senders[envelope.Address]
		if !ok {
			var err error
			snd, err = conn.Sender(sendCtx, envelope.Address)
			if err != nil {
				cancel()
				if connectionLost(err) {
					return envelopes[i:]
				}
				p.log.WithError(err).WithField("address", envelope.Address).Warning("Failed to create a sender, dropping the message")
				continue
			}
			senders[envelope.Address] = snd
		}
		err := snd.Send(sendCtx, newMessage(envelope.Body, p.cfg.Durable), nil)
		cancel()
		if err != nil {
			if connectionLost(err) {
				return envelopes[i:]
			}
			p.log.WithError(err).WithField("address", envelope.Address).Warning("Failed to publish the message, dropping it")
		}
	}
	return nil
}

// connectionLost reports whether the error means the connection is
// unusable and the next broker URL should take over.
func connectionLost(err error) bool {
	var connErr *amqp.ConnError
	return errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded)
}

func newMessage(body []byte, durable bool) *amqp.Message {
	contentType := "application/json"
	contentEncoding := "utf-8"
	return &amqp.Message{
		Data:   [][]byte{body},
		Header: &amqp.MessageHeader{Durable: durable},
		Properties: &amqp.MessageProperties{
			MessageID:       uuid.NewString(),
			ContentType:     &contentType,
			ContentEncoding: &contentEncoding,
		},
	}
}

type amqpConnection struct {
	conn    *amqp.Conn
	session *amqp.Session
}

func dialBroker(ctx context.Context, addr string, tlsConfig *tls.Config) (connection, error) {
	conn, err := amqp.Dial(ctx, addr, &amqp.ConnOptions{
		TLSConfig: tlsConfig,
		SASLType:  amqp.SASLTypeAnonymous(),
	})
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &amqpConnection{conn: conn, session: session}, nil
}

func (c *amqpConnection) Sender(ctx context.Context, address string) (sender, error) {
	return c.session.NewSender(ctx, address, nil)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
