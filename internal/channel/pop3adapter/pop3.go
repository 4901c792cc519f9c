package pop3adapter

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type connFactory func(cfg models.POP3Config) (pop3Connection, error)

// Fetcher drains POP3/POP3S mailboxes into the ingestion pipeline.
type Fetcher struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	parser           *channel.EnvelopeParser
	now              func() time.Time
	logger           *log.Logger
	newConn          connFactory
}

// Option customizes fetcher behavior.
type Option func(*Fetcher)

// New returns a POP3 adapter ready for dispatch polling.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		deleteAfterFetch: true,
		dialTimeout:      5 * time.Second,
		parser:           channel.NewEnvelopeParser(),
		now:              func() time.Time { return time.Now().UTC() },
		logger:           log.Default(),
	}
	f.newConn = f.defaultConnFactory
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.newConn == nil {
		f.newConn = f.defaultConnFactory
	}
	return f
}

// WithDeleteAfterFetch toggles destructive POP3 behavior.
func WithDeleteAfterFetch(delete bool) Option {
	return func(f *Fetcher) {
		f.deleteAfterFetch = delete
	}
}

// WithLogger overrides the logger used for adapter diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithEnvelopeParser overrides the RFC822 parser.
func WithEnvelopeParser(parser *channel.EnvelopeParser) Option {
	return func(f *Fetcher) {
		if parser != nil {
			f.parser = parser
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withConnFactory(factory connFactory) Option {
	return func(f *Fetcher) {
		f.newConn = factory
	}
}

// Name returns the adapter identifier.
func (f *Fetcher) Name() string {
	return "pop3"
}

// Fetch drains the channel's mailbox and hands each canonical message to the
// handler. Per-item failures are recorded and skipped.
func (f *Fetcher) Fetch(ctx context.Context, ch models.Channel, handler channel.Handler) (channel.BatchResult, error) {
	var result channel.BatchResult
	if handler == nil {
		return result, errors.New("pop3 fetcher requires a handler")
	}
	if err := ch.Validate(); err != nil {
		return result, channel.Malformed("pop3 config", err)
	}
	cfg := *ch.POP3
	if cfg.Username == "" || len(cfg.Password) == 0 {
		return result, channel.Auth("pop3 config", errors.New("missing credentials"))
	}

	conn, err := f.newConn(cfg)
	if err != nil {
		return result, channel.Transient("pop3 connect", err)
	}
	defer f.safeQuit(conn)

	if err := conn.Auth(cfg.Username, string(cfg.Password)); err != nil {
		return result, channel.Auth("pop3 auth", err)
	}

	msgs, err := conn.Uidl(0)
	if err != nil {
		return result, channel.Transient("pop3 uidl", err)
	}

	for _, meta := range msgs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}

		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			// Retrieval failures are connection-level; retried next cycle.
			return result, channel.Transient("pop3 retr "+uid, err)
		}
		result.Fetched++

		msg, err := f.parser.Parse(payload.Bytes(), f.now())
		if err != nil {
			f.logger.Printf("pop3: skipping %s on channel %d: %v", uid, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: uid, Err: err})
			continue
		}
		if err := handler.Handle(ctx, msg, ch); err != nil {
			f.logger.Printf("pop3: ingest failed for %s on channel %d: %v", msg.ProviderMessageID, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: msg.ProviderMessageID, Err: err})
			continue
		}
		result.Handled++
		if f.deleteAfterFetch {
			if err := conn.Dele(meta.ID); err != nil {
				return result, channel.Transient("pop3 delete "+uid, err)
			}
		}
	}
	return result, nil
}

func (f *Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && f.logger != nil {
		f.logger.Printf("pop3 quit error: %v", err)
	}
}

func (f *Fetcher) defaultConnFactory(cfg models.POP3Config) (pop3Connection, error) {
	if cfg.Host == "" {
		return nil, errors.New("pop3 config missing host")
	}
	port := cfg.Port
	if port == 0 {
		if cfg.UseTLS {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        cfg.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  cfg.UseTLS,
	})
	return client.NewConn()
}
