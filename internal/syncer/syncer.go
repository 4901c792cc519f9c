// Package syncer schedules polling of email channels. Each tick walks the
// active channels, polls the ones whose interval has elapsed, and records
// cursor and error state. A channel never has two polls in flight at once.
package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/metrics"
	"github.com/deskhub-io/deskhub/internal/models"
)

// ChannelStore is the channel bookkeeping surface the syncer needs.
type ChannelStore interface {
	ListActiveEmail(ctx context.Context) ([]models.Channel, error)
	MarkSynced(ctx context.Context, channelID uint, at time.Time) error
	MarkError(ctx context.Context, channelID uint, message string, deactivate bool) error
}

// Syncer drives periodic channel polls through a fetcher factory.
type Syncer struct {
	channels ChannelStore
	factory  channel.Factory
	handler  channel.Handler

	cron        *cron.Cron
	logger      *log.Logger
	metrics     *metrics.Ingest
	now         func() time.Time
	tickSpec    string
	pollTimeout time.Duration

	mu       sync.Mutex
	inFlight map[uint]struct{}
	wg       sync.WaitGroup
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the syncer's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Syncer) { s.logger = logger }
}

// WithMetrics attaches the Prometheus collectors.
func WithMetrics(m *metrics.Ingest) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithTickSpec overrides the cron expression for the scheduler tick.
func WithTickSpec(spec string) Option {
	return func(s *Syncer) { s.tickSpec = spec }
}

// WithPollTimeout bounds one channel poll.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Syncer) { s.pollTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a syncer that streams fetched messages into handler.
func New(channels ChannelStore, factory channel.Factory, handler channel.Handler, opts ...Option) *Syncer {
	s := &Syncer{
		channels:    channels,
		factory:     factory,
		handler:     handler,
		cron:        cron.New(cron.WithSeconds()),
		logger:      log.Default(),
		now:         time.Now,
		tickSpec:    "*/30 * * * * *",
		pollTimeout: 2 * time.Minute,
		inFlight:    make(map[uint]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the scheduler tick and begins polling. It returns
// immediately; Stop shuts the scheduler down.
func (s *Syncer) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.tickSpec, func() { s.Tick(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for in-flight polls to finish.
func (s *Syncer) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Tick polls every due channel once. Channels run concurrently with each
// other but a channel already being polled is skipped, so overlapping
// ticks never double-poll one mailbox.
func (s *Syncer) Tick(ctx context.Context) {
	chans, err := s.channels.ListActiveEmail(ctx)
	if err != nil {
		s.logger.Printf("syncer: list channels: %v", err)
		return
	}
	now := s.now()
	for _, ch := range chans {
		if !s.due(ch, now) {
			continue
		}
		if !s.tryLock(ch.ID) {
			continue
		}
		s.wg.Add(1)
		go func(ch models.Channel) {
			defer s.wg.Done()
			defer s.unlock(ch.ID)
			s.pollChannel(ctx, ch)
		}(ch)
	}
}

func (s *Syncer) due(ch models.Channel, now time.Time) bool {
	if ch.LastSyncAt == nil {
		return true
	}
	interval := ch.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return now.Sub(*ch.LastSyncAt) >= interval
}

func (s *Syncer) tryLock(channelID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[channelID]; busy {
		return false
	}
	s.inFlight[channelID] = struct{}{}
	return true
}

func (s *Syncer) unlock(channelID uint) {
	s.mu.Lock()
	delete(s.inFlight, channelID)
	s.mu.Unlock()
}

// pollChannel runs one fetch for one channel and records the outcome. The
// cursor advances only on success so a failed poll is retried from the
// same position.
func (s *Syncer) pollChannel(ctx context.Context, ch models.Channel) {
	fetcher, err := s.factory.FetcherFor(ch)
	if err != nil {
		s.recordError(ctx, ch, err)
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	started := s.now()
	result, err := fetcher.Fetch(pollCtx, ch, s.handler)
	for _, skipped := range result.Skipped {
		s.logger.Printf("syncer: channel %d skipped message %s: %v", ch.ID, skipped.ProviderMessageID, skipped.Err)
		if s.metrics != nil {
			s.metrics.MessagesSkipped.WithLabelValues(string(ch.Provider), string(channel.KindOf(skipped.Err))).Inc()
		}
	}
	if err != nil {
		s.recordError(ctx, ch, err)
		return
	}

	if result.Handled > 0 {
		s.logger.Printf("syncer: channel %d handled %d of %d messages", ch.ID, result.Handled, result.Fetched)
	}
	if err := s.channels.MarkSynced(ctx, ch.ID, started); err != nil {
		s.logger.Printf("syncer: channel %d cursor update: %v", ch.ID, err)
	}
}

func (s *Syncer) recordError(ctx context.Context, ch models.Channel, err error) {
	kind := channel.KindOf(err)
	deactivate := kind == channel.ErrorKindAuth
	s.logger.Printf("syncer: channel %d poll failed (%s): %v", ch.ID, kind, err)
	if s.metrics != nil {
		s.metrics.SyncErrors.WithLabelValues(string(ch.Provider), string(kind)).Inc()
	}
	if markErr := s.channels.MarkError(ctx, ch.ID, err.Error(), deactivate); markErr != nil &&
		!errors.Is(markErr, context.Canceled) {
		s.logger.Printf("syncer: channel %d error-state update: %v", ch.ID, markErr)
	}
}
