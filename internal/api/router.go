// Package api exposes the inbound HTTP surface: webhook receivers for the
// messaging providers, health, and metrics.
package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deskhub-io/deskhub/internal/channel"
	"github.com/deskhub-io/deskhub/internal/channel/metaadapter"
	"github.com/deskhub-io/deskhub/internal/models"
)

// ChannelLoader loads channel rows for webhook routing.
type ChannelLoader interface {
	GetByID(ctx context.Context, id uint) (*models.Channel, error)
}

// Server wires the HTTP routes.
type Server struct {
	channels ChannelLoader
	factory  channel.Factory
	handler  channel.Handler
	gatherer prometheus.Gatherer
	logger   *log.Logger
	maxBody  int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer sets the registry exposed at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithMaxBody bounds webhook payload size in bytes.
func WithMaxBody(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// NewServer creates the HTTP server wiring.
func NewServer(channels ChannelLoader, factory channel.Factory, handler channel.Handler, opts ...Option) *Server {
	s := &Server{
		channels: channels,
		factory:  factory,
		handler:  handler,
		gatherer: prometheus.DefaultGatherer,
		logger:   log.Default(),
		maxBody:  1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	hooks := r.Group("/webhooks")
	{
		hooks.GET("/meta/:channelID", s.verifyMetaWebhook)
		hooks.POST("/meta/:channelID", s.receiveMetaWebhook)
	}
	return r
}

// verifyMetaWebhook answers Meta's subscription handshake: echo
// hub.challenge when the verify token matches the channel's.
func (s *Server) verifyMetaWebhook(c *gin.Context) {
	ch, ok := s.loadChannel(c)
	if !ok {
		return
	}
	if ch.Meta == nil || c.Query("hub.verify_token") != ch.Meta.VerifyToken {
		c.String(http.StatusForbidden, "verify token mismatch")
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

func (s *Server) receiveMetaWebhook(c *gin.Context) {
	ch, ok := s.loadChannel(c)
	if !ok {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	var secret []byte
	if ch.Meta != nil {
		secret = ch.Meta.AppSecret
	}
	if err := metaadapter.VerifySignature(payload, c.GetHeader("X-Hub-Signature-256"), secret); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return
	}

	normalizer, err := s.factory.NormalizerFor(ch.Provider)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no receiver for provider"})
		return
	}
	msgs, err := normalizer.Normalize(payload, *ch)
	if err != nil {
		// A malformed delivery is acknowledged so the provider stops
		// retrying it; anything else asks for a redelivery.
		if channel.KindOf(err) == channel.ErrorKindMalformed {
			s.logger.Printf("api: channel %d malformed webhook: %v", ch.ID, err)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "normalize failed"})
		return
	}

	handled := 0
	for i := range msgs {
		if err := s.handler.Handle(c.Request.Context(), &msgs[i], *ch); err != nil {
			if channel.KindOf(err) == channel.ErrorKindMalformed {
				s.logger.Printf("api: channel %d skipped message %s: %v", ch.ID, msgs[i].ProviderMessageID, err)
				continue
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest failed"})
			return
		}
		handled++
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "handled": handled})
}

func (s *Server) loadChannel(c *gin.Context) (*models.Channel, bool) {
	id, err := strconv.ParseUint(c.Param("channelID"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad channel id"})
		return nil, false
	}
	ch, err := s.channels.GetByID(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return nil, false
	}
	if !ch.IsActive || ch.Kind != models.ChannelKindMessaging {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not receiving"})
		return nil, false
	}
	return ch, true
}
