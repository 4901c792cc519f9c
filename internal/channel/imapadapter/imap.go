package imapadapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/models"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// Fetcher drains IMAP/IMAPS mailboxes into the ingestion pipeline.
type Fetcher struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	parser           *channel.EnvelopeParser
	logger           *log.Logger
	newClient        func(cfg models.IMAPConfig) (imapClient, error)
}

// Option customizes fetcher behavior.
type Option func(*Fetcher)

// New returns an IMAP adapter ready for dispatch polling.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		deleteAfterFetch: true,
		dialTimeout:      5 * time.Second,
		parser:           channel.NewEnvelopeParser(),
		logger:           log.Default(),
	}
	f.newClient = f.defaultClientFactory
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.newClient == nil {
		f.newClient = f.defaultClientFactory
	}
	return f
}

// WithDeleteAfterFetch toggles destructive IMAP behavior.
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

func withClientFactory(factory func(models.IMAPConfig) (imapClient, error)) Option {
	return func(f *Fetcher) {
		f.newClient = factory
	}
}

// Name returns the adapter identifier.
func (f *Fetcher) Name() string {
	return "imap"
}

// Fetch drains the channel's mailbox and hands each canonical message to the
// handler. A message that fails to parse or ingest is recorded and skipped;
// it never aborts the batch.
func (f *Fetcher) Fetch(ctx context.Context, ch models.Channel, handler channel.Handler) (channel.BatchResult, error) {
	var result channel.BatchResult
	if handler == nil {
		return result, errors.New("imap fetcher requires a handler")
	}
	if err := ch.Validate(); err != nil {
		return result, channel.Malformed("imap config", err)
	}
	cfg := *ch.IMAP

	client, err := f.newClient(cfg)
	if err != nil {
		return result, channel.Transient("imap connect", err)
	}
	defer f.safeClose(client)

	if err := client.Login(cfg.Username, string(cfg.Password)).Wait(); err != nil {
		return result, channel.Auth("imap auth", err)
	}

	mailbox := cfg.Folder
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return result, channel.Transient(fmt.Sprintf("imap select %s", mailbox), err)
	}

	criteria := &imap.SearchCriteria{}
	if ch.LastSyncAt != nil {
		criteria.Since = *ch.LastSyncAt
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return result, channel.Transient("imap search", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return result, nil
	}

	uidSet := imap.UIDSetNum(uids...)
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	fetchBuffers, err := client.Fetch(uidSet, fetchOpts).Collect()
	if err != nil {
		return result, channel.Transient("imap fetch", err)
	}

	var handled imap.UIDSet
	for _, buf := range fetchBuffers {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		result.Fetched++
		uidStr := fmt.Sprintf("%d", buf.UID)

		msg, err := f.parser.Parse(body, buf.InternalDate)
		if err != nil {
			f.logger.Printf("imap: skipping uid %s on channel %d: %v", uidStr, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: uidStr, Err: err})
			continue
		}
		if err := handler.Handle(ctx, msg, ch); err != nil {
			f.logger.Printf("imap: ingest failed for %s on channel %d: %v", msg.ProviderMessageID, ch.ID, err)
			result.Skipped = append(result.Skipped, channel.ItemError{ProviderMessageID: msg.ProviderMessageID, Err: err})
			continue
		}
		result.Handled++
		handled.AddNum(buf.UID)
	}

	if f.deleteAfterFetch && len(handled) > 0 {
		store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}}
		if err := client.Store(handled, store, nil).Close(); err != nil {
			return result, channel.Transient("imap store delete", err)
		}
		if err := client.UIDExpunge(handled).Close(); err != nil {
			return result, channel.Transient("imap expunge", err)
		}
	}

	if err := client.Logout().Wait(); err != nil {
		f.logger.Printf("imap: logout failed for channel %d: %v", ch.ID, err)
	}
	return result, nil
}

func (f *Fetcher) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil && f.logger != nil {
		f.logger.Printf("imap close error: %v", err)
	}
}

func (f *Fetcher) defaultClientFactory(cfg models.IMAPConfig) (imapClient, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap config missing host")
	}
	port := cfg.Port
	if port == 0 {
		if cfg.UseTLS {
			port = 993
		} else {
			port = 143
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	var client *imapclient.Client
	var err error
	if cfg.UseTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &clientWrapper{Client: client}, nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *clientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *clientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
