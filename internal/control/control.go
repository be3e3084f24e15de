// Package control is the Control Plane (C6): a gin HTTP surface exposing
// pipeline status, scheduler lifecycle, config apply, group/product
// administration, a Prometheus scrape endpoint, and a websocket event
// stream. The router shape (gin.Engine + CORS + per-handler method
// registration behind a RouterConfig) follows the teacher's
// internal/http.NewRouter; the typed error envelope follows its
// middleware error-rendering convention, adapted to wrap apierr.Error.
package control

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/dsa110/contimg-ingestd/internal/apierr"
	"github.com/dsa110/contimg-ingestd/internal/config"
	"github.com/dsa110/contimg-ingestd/internal/corelog"
	"github.com/dsa110/contimg-ingestd/internal/domain"
	"github.com/dsa110/contimg-ingestd/internal/eventhub"
	"github.com/dsa110/contimg-ingestd/internal/queuestore"
	"github.com/dsa110/contimg-ingestd/internal/registry"
	"github.com/dsa110/contimg-ingestd/internal/watcher"
)

// Scheduler is the subset of scheduler.Scheduler the control plane drives.
type Scheduler interface {
	Pause(reason string) bool
	Resume() bool
	SubmitManual(groupID string)
	IsPaused() bool
	WorkerStats() (busy, idle int)
}

// Pointings is the subset of assembler.Assembler the control plane exposes
// for boresight pointing ingestion and the group-detail view.
type Pointings interface {
	RecordPointing(ctx context.Context, ts time.Time, raDeg, decDeg float64) error
	ListPointings(ctx context.Context, from, to time.Time) ([]domain.PointingSample, error)
}

// MetricsExporter is satisfied by *scheduler.Metrics; kept as its own
// interface so this package does not need to import internal/scheduler.
type MetricsExporter interface {
	WritePrometheus(w io.Writer) error
}

// Server wires the HTTP control surface described in §6.1.
type Server struct {
	log       *corelog.Logger
	loader    *config.Loader
	store     queuestore.Store
	reg       registry.Registry
	hub       *eventhub.Hub
	sched     Scheduler
	pointings Pointings
	metrics   MetricsExporter
	upgrader  websocket.Upgrader
	engine    *gin.Engine

	startedAt     time.Time
	watcherStatus atomic.Value // watcher.Status
}

func New(log *corelog.Logger, loader *config.Loader, store queuestore.Store, reg registry.Registry, hub *eventhub.Hub, sched Scheduler, pointings Pointings, metrics MetricsExporter) *Server {
	if log == nil {
		log = corelog.NewNop()
	}
	s := &Server{
		log:       log.With("component", "control"),
		loader:    loader,
		store:     store,
		reg:       reg,
		hub:       hub,
		sched:     sched,
		pointings: pointings,
		metrics:   metrics,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.watcherStatus.Store(watcher.Status{Running: true})
	s.engine = s.buildRouter()
	return s
}

// SetWatcherStatus records the watcher's latest health report, surfaced by
// getStatus. Safe for concurrent use with request handling.
func (s *Server) SetWatcherStatus(st watcher.Status) {
	s.watcherStatus.Store(st)
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("ingestd"))
	r.Use(requestLog(s.log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))

	r.GET("/status", s.getStatus)
	r.GET("/metrics", s.getMetrics)
	r.GET("/events", s.getEvents)

	r.POST("/scheduler/start", s.postSchedulerStart)
	r.POST("/scheduler/stop", s.postSchedulerStop)
	r.POST("/scheduler/restart", s.postSchedulerRestart)

	r.GET("/config", s.getConfig)
	r.POST("/config", s.postConfig)

	r.GET("/groups/:id", s.getGroup)
	r.POST("/groups/:id/reset", s.postGroupReset)

	r.POST("/pointings", s.postPointing)

	r.GET("/products", s.getProducts)
	r.GET("/products/:id", s.getProduct)
	r.POST("/products/:id/publish", s.postProductPublish)
	r.POST("/products/:id/retry", s.postProductRetry)
	r.POST("/products/:id/finalize", s.postProductFinalize)

	r.GET("/publish/failed", s.getPublishFailed)
	r.POST("/publish/retry-all", s.postPublishRetryAll)

	return r
}

func requestLog(log *corelog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func writeErr(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.FromKind(c.Request.URL.Path, err)
	}
	c.JSON(apiErr.Status, gin.H{"error": gin.H{"code": apiErr.Code, "message": apiErr.Error()}})
}

func (s *Server) getStatus(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	busy, idle := s.sched.WorkerStats()
	ws, _ := s.watcherStatus.Load().(watcher.Status)
	c.JSON(http.StatusOK, gin.H{
		"groups": gin.H{
			"collecting":  stats.Collecting,
			"pending":     stats.Pending,
			"in_progress": stats.InProgress,
			"completed":   stats.Completed,
			"failed":      stats.Failed,
		},
		"workers": gin.H{
			"busy": busy,
			"idle": idle,
		},
		"uptime_s": time.Since(s.startedAt).Seconds(),
		"watcher": gin.H{
			"healthy": ws.Running && !ws.Failed,
			"reason":  ws.Reason,
		},
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	if s.metrics != nil {
		if err := s.metrics.WritePrometheus(c.Writer); err != nil {
			s.log.Warn("metrics write failed", "error", err)
		}
	}
}

func (s *Server) getEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := s.hub.NewClient()
	channel := c.Query("channel")
	s.hub.Subscribe(client, channel)
	defer s.hub.CloseClient(client)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-client.Outbound:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-client.Done():
			return
		}
	}
}

// postSchedulerStart is idempotent per §8: starting an already-running
// scheduler reports started:false rather than erroring.
func (s *Server) postSchedulerStart(c *gin.Context) {
	started := s.sched.Resume()
	c.JSON(http.StatusOK, gin.H{"started": started})
}

func (s *Server) postSchedulerStop(c *gin.Context) {
	stopped := s.sched.Pause("operator requested stop")
	busy, _ := s.sched.WorkerStats()
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "in_flight": busy})
}

func (s *Server) postSchedulerRestart(c *gin.Context) {
	s.sched.Pause("operator requested restart")
	s.sched.Resume()
	c.JSON(http.StatusOK, gin.H{"restarted": true})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.loader.Current())
}

func (s *Server) postConfig(c *gin.Context) {
	var changes map[string]any
	if err := c.ShouldBindJSON(&changes); err != nil {
		writeErr(c, apierr.BadRequest("invalid config payload"))
		return
	}
	applied, deferred, err := s.loader.Apply(changes)
	if err != nil {
		writeErr(c, err)
		return
	}
	s.hub.Publish(eventhub.Event{Channel: "config", Type: eventhub.EventConfigApplied,
		Data: map[string]any{"applied": applied, "deferred": deferred}})
	c.JSON(http.StatusOK, gin.H{"applied": applied, "deferred": deferred})
}

// getGroup returns a single group plus the boresight pointing samples
// recorded during its collection window, for operators diagnosing where
// the telescope pointed during a particular observation epoch.
func (s *Server) getGroup(c *gin.Context) {
	groupID := c.Param("id")
	g, err := s.store.Get(c.Request.Context(), groupID)
	if err != nil {
		writeErr(c, err)
		return
	}
	resp := gin.H{"group": g}
	if s.pointings != nil {
		to := time.Now()
		if g.CompletedAt != nil {
			to = *g.CompletedAt
		}
		pts, err := s.pointings.ListPointings(c.Request.Context(), g.ReceivedAt, to)
		if err != nil {
			writeErr(c, err)
			return
		}
		resp["pointings"] = pts
	}
	c.JSON(http.StatusOK, resp)
}

// postPointing appends a telescope boresight sample (RecordPointing).
func (s *Server) postPointing(c *gin.Context) {
	var req struct {
		Timestamp time.Time `json:"timestamp"`
		RADeg     float64   `json:"ra_deg"`
		DecDeg    float64   `json:"dec_deg"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.BadRequest("invalid pointing payload"))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	if s.pointings == nil {
		writeErr(c, apierr.BadRequest("pointing ingestion not configured"))
		return
	}
	if err := s.pointings.RecordPointing(c.Request.Context(), req.Timestamp, req.RADeg, req.DecDeg); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (s *Server) postGroupReset(c *gin.Context) {
	groupID := c.Param("id")
	if err := s.store.ResetToPending(c.Request.Context(), groupID); err != nil {
		writeErr(c, err)
		return
	}
	s.sched.SubmitManual(groupID)
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "state": domain.GroupPending})
}

func (s *Server) getProducts(c *gin.Context) {
	products, err := s.reg.ListByFilter(c.Request.Context(), c.Query("state"), c.Query("data_type"), 0)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (s *Server) getProduct(c *gin.Context) {
	p, err := s.reg.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) postProductPublish(c *gin.Context) {
	res, err := s.reg.Publish(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// postProductRetry drives a single failed_publish back through the
// promotion algorithm, for the CLI's `publish-retry <data_id>` subcommand
// (§6.5) where retrying an entire batch via /publish/retry-all would be
// too coarse.
func (s *Server) postProductRetry(c *gin.Context) {
	res, err := s.reg.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) postProductFinalize(c *gin.Context) {
	var req struct {
		QAStatus         string `json:"qa_status"`
		ValidationStatus string `json:"validation_status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, apierr.BadRequest("invalid finalize payload"))
		return
	}
	p, err := s.reg.Finalize(c.Request.Context(), c.Param("id"), req.QAStatus, req.ValidationStatus)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getPublishFailed(c *gin.Context) {
	failed, err := s.reg.ListFailed(c.Request.Context(), 1, 0)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(failed), "failed_publishes": failed})
}

func (s *Server) postPublishRetryAll(c *gin.Context) {
	results, err := s.reg.RetryAll(c.Request.Context(), 0)
	if err != nil {
		writeErr(c, err)
		return
	}
	successful := 0
	for _, r := range results {
		if r.Published {
			successful++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"attempted":  len(results),
		"successful": successful,
		"failed":     len(results) - successful,
		"results":    results,
	})
}
