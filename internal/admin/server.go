// Package admin serves the operator HTTP API.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"feed_relay/internal/domain"
	"feed_relay/internal/monitor"
	"feed_relay/internal/routing"
	"feed_relay/internal/service"
)

type Relay interface {
	Resync(ctx context.Context) (*domain.CycleStats, error)
	LastCycle() *domain.CycleStats
}

type StateReader interface {
	Load(ctx context.Context) (*domain.CursorState, error)
}

type Bindings interface {
	EnabledChannels() []string
	Destinations() []domain.Destination
	Bind(channel, scope, target string, options map[string]string) error
	Unbind(channel, scope string) (bool, error)
	SetEnabled(channels []string) error
	Snapshot() routing.Bindings
}

type Health interface {
	Status() []monitor.ChannelStatus
}

type Server struct {
	feedURL  string
	relay    Relay
	state    StateReader
	bindings Bindings
	health   Health
	token    string
	logger   *slog.Logger
}

func NewServer(feedURL string, relay Relay, state StateReader, bindings Bindings, health Health, token string, logger *slog.Logger) *Server {
	return &Server{
		feedURL:  feedURL,
		relay:    relay,
		state:    state,
		bindings: bindings,
		health:   health,
		token:    token,
		logger:   logger,
	}
}

// Router builds the gin engine with every admin route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/")
	api.Use(s.authorize)
	api.GET("/status", s.handleStatus)
	api.POST("/resync", s.handleResync)
	api.GET("/bindings", s.handleListBindings)
	api.PUT("/bindings", s.handleBind)
	api.DELETE("/bindings", s.handleUnbind)
	api.PUT("/bindings/enabled", s.handleSetEnabled)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) authorize(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type stateView struct {
	ColdStart    bool             `json:"cold_start"`
	CommittedAt  *time.Time       `json:"committed_at,omitempty"`
	LastSeenID   string           `json:"last_seen_id,omitempty"`
	LastSeenAt   *time.Time       `json:"last_seen_at,omitempty"`
	Validator    domain.Validator `json:"validator"`
	PublishedIDs int              `json:"published_ids"`
}

type channelView struct {
	Delivered  int `json:"delivered"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

type cycleView struct {
	CycleID     string                 `json:"cycle_id"`
	Fetched     int                    `json:"fetched"`
	Skipped     int                    `json:"skipped"`
	Duplicates  int                    `json:"duplicates"`
	New         int                    `json:"new"`
	Dispatched  int                    `json:"dispatched"`
	Confirmed   int                    `json:"confirmed"`
	Failed      int                    `json:"failed"`
	Deferred    int                    `json:"deferred"`
	Late        int                    `json:"late"`
	ColdStart   bool                   `json:"cold_start"`
	NotModified bool                   `json:"not_modified"`
	Committed   bool                   `json:"committed"`
	PerChannel  map[string]channelView `json:"per_channel,omitempty"`
	Duration    string                 `json:"duration"`
}

func newCycleView(st *domain.CycleStats) *cycleView {
	if st == nil {
		return nil
	}
	v := &cycleView{
		CycleID:     st.CycleID,
		Fetched:     st.Fetched,
		Skipped:     st.Skipped,
		Duplicates:  st.Duplicates,
		New:         st.New,
		Dispatched:  st.Dispatched,
		Confirmed:   st.Confirmed,
		Failed:      st.Failed,
		Deferred:    st.Deferred,
		Late:        st.Late,
		ColdStart:   st.ColdStart,
		NotModified: st.NotModified,
		Committed:   st.Committed,
		Duration:    st.Duration.String(),
	}
	if len(st.PerChannel) > 0 {
		v.PerChannel = make(map[string]channelView, len(st.PerChannel))
		for ch, cs := range st.PerChannel {
			v.PerChannel[ch] = channelView{Delivered: cs.Delivered, Duplicates: cs.Duplicates, Failed: cs.Failed}
		}
	}
	return v
}

func newStateView(st *domain.CursorState) stateView {
	v := stateView{
		ColdStart:    st.IsColdStart(),
		LastSeenID:   st.LastSeenID,
		Validator:    st.Validator,
		PublishedIDs: len(st.PublishedIDs),
	}
	if !st.CommittedAt.IsZero() {
		v.CommittedAt = &st.CommittedAt
	}
	if !st.LastSeenAt.IsZero() {
		v.LastSeenAt = &st.LastSeenAt
	}
	return v
}

func (s *Server) handleStatus(c *gin.Context) {
	state, err := s.state.Load(c.Request.Context())
	if err != nil {
		s.logger.Error("status: load state", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   err.Error(),
			"corrupt": domain.IsStateCorrupt(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"feed":       s.feedURL,
		"state":      newStateView(state),
		"last_cycle": newCycleView(s.relay.LastCycle()),
		"channels":   s.health.Status(),
		"enabled":    s.bindings.EnabledChannels(),
	})
}

func (s *Server) handleResync(c *gin.Context) {
	stats, err := s.relay.Resync(c.Request.Context())
	if errors.Is(err, service.ErrLeaseHeld) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("resync failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, newCycleView(stats))
}

func (s *Server) handleListBindings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled":      s.bindings.EnabledChannels(),
		"destinations": s.bindings.Destinations(),
		"file":         s.bindings.Snapshot(),
	})
}

type bindRequest struct {
	Channel string            `json:"channel" binding:"required"`
	Scope   string            `json:"scope"`
	Target  string            `json:"target" binding:"required"`
	Options map[string]string `json:"options"`
}

func (s *Server) handleBind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bindings.Bind(req.Channel, req.Scope, req.Target, req.Options); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("destination bound", "channel", req.Channel, "scope", req.Scope)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnbind(c *gin.Context) {
	channel := c.Query("channel")
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}
	removed, err := s.bindings.Unbind(channel, c.Query("scope"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "binding not found"})
		return
	}
	s.logger.Info("destination unbound", "channel", channel, "scope", c.Query("scope"))
	c.Status(http.StatusNoContent)
}

type enabledRequest struct {
	Channels []string `json:"channels"`
}

func (s *Server) handleSetEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bindings.SetEnabled(req.Channels); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": s.bindings.EnabledChannels()})
}

var (
	_ Bindings = (*routing.Router)(nil)
	_ Health   = (*monitor.Health)(nil)
	_ Relay    = (*service.Relay)(nil)
)
