// Package openrosa serves the OpenRosa endpoints ODK Collect and Enketo
// talk to, plus a small JSON API over the stored submissions.
package openrosa

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"kobocat/internal/ingest"
	"kobocat/internal/metrics"
	"kobocat/internal/mirror"
	protocol "kobocat/internal/openrosa"
)

// Options wires a Server. Service is required.
type Options struct {
	Service    *ingest.Service
	Reconciler *mirror.Reconciler
	Metrics    *metrics.Metrics
	Health     healthcheck.Handler
	Logger     *zap.Logger
	// MaxContentLength bounds request bodies and is advertised to clients.
	MaxContentLength int64
	Now              func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	svc        *ingest.Service
	reconciler *mirror.Reconciler
	metrics    *metrics.Metrics
	health     healthcheck.Handler
	logger     *zap.Logger
	maxLength  int64
	now        func() time.Time
}

// New constructs a Server from opts.
func New(opts Options) *Server {
	s := &Server{
		svc:        opts.Service,
		reconciler: opts.Reconciler,
		metrics:    opts.Metrics,
		health:     opts.Health,
		logger:     opts.Logger,
		maxLength:  opts.MaxContentLength,
		now:        opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxLength <= 0 {
		s.maxLength = protocol.DefaultMaxContentLength
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.health == nil {
		s.health = healthcheck.NewHandler()
	}
	return s
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(dechainProxyHeaders(), s.observeStatus())

	health := gin.WrapH(http.StripPrefix("/health", s.health))
	router.GET("/health/live", health)
	router.GET("/health/ready", health)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	router.HEAD(ingest.SubmissionPath, s.submission)
	router.POST(ingest.SubmissionPath, s.submission)

	api := router.Group("/api/v1", s.requireUser())
	{
		api.GET("/forms/:id/data", s.formData)
		api.GET("/attachments/:id", s.attachment)
		api.GET("/mirror/status", s.requireSuperuser(), s.mirrorStatus)
		api.POST("/mirror/repair", s.requireSuperuser(), s.mirrorRepair)
	}

	owner := router.Group("/:username")
	{
		owner.HEAD("/submission", s.submission)
		owner.POST("/submission", s.submission)
		owner.GET("/formList", s.formList)
		owner.GET("/forms/:id_string/form.xml", s.formXML)
		owner.GET("/xformsManifest/:id_string", s.manifest)
		owner.POST("/bulk-submission", s.bulkSubmission)
	}
	return router
}

// openRosa writes an OpenRosa XML body with the protocol headers.
func (s *Server) openRosa(c *gin.Context, status int, body []byte) {
	protocol.SetHeaders(c.Writer.Header(), s.now(), s.maxLength)
	c.Data(status, protocol.ContentType, body)
}

func (s *Server) openRosaMessage(c *gin.Context, status int, message string) {
	s.openRosa(c, status, protocol.Envelope(message))
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
