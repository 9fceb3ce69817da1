// Package httpapi exposes the coordinator's admin and inference surface over
// HTTP: cluster lifecycle, model sharing and serving, predictions, status,
// the activity feed, and rendered documentation pages.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	limiter "github.com/ulule/limiter/v3"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/xxtea01/shareserve/api/cluster"
	"github.com/xxtea01/shareserve/api/model"
	"github.com/xxtea01/shareserve/api/serving"
	"github.com/xxtea01/shareserve/internal/activity"
	"github.com/xxtea01/shareserve/internal/registry"
)

// DefaultRateLimit bounds the predict route when no rate is configured.
const DefaultRateLimit = "60-M"

// Options configures the HTTP server. Cluster, Model, and Registry are
// required; the rest default.
type Options struct {
	Cluster  *cluster.Cluster
	Model    *model.Model
	Serving  serving.Options
	Registry *registry.Registry
	Activity *activity.Log
	Logger   *log.Logger

	// RateLimit is the predict-route rate in limiter notation, e.g. "60-M"
	// for sixty requests per minute.
	RateLimit string

	// DocsDir holds the markdown pages served under /docs.
	DocsDir string
}

// Server routes HTTP requests to the cluster and the served model.
type Server struct {
	e           *echo.Echo
	cluster     *cluster.Cluster
	model       *model.Model
	servingOpts serving.Options
	registry    *registry.Registry
	activity    *activity.Log
	logger      *log.Logger
	limiter     *limiter.Limiter
	docsDir     string

	mu      sync.Mutex
	secure  *serving.SecureModel
	session int64
}

// New assembles the HTTP server around an existing cluster and model. The
// model is shared and served through the API, not at construction.
func New(opts Options) (*Server, error) {
	if opts.Cluster == nil || opts.Model == nil {
		return nil, errors.New("httpapi: cluster and model are required")
	}
	if opts.Registry == nil {
		return nil, errors.New("httpapi: registry is required")
	}
	if opts.Activity == nil {
		opts.Activity = activity.NewLog(activity.DefaultCapacity)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.RateLimit == "" {
		opts.RateLimit = DefaultRateLimit
	}
	rate, err := limiter.NewRateFromFormatted(opts.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("httpapi: rate limit %q: %w", opts.RateLimit, err)
	}

	s := &Server{
		cluster:     opts.Cluster,
		model:       opts.Model,
		servingOpts: opts.Serving,
		registry:    opts.Registry,
		activity:    opts.Activity,
		logger:      opts.Logger,
		limiter:     limiter.New(memory.NewStore(), rate),
		docsDir:     opts.DocsDir,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.requestLogger)

	e.POST("/api/cluster/start", s.handleClusterStart)
	e.POST("/api/cluster/stop", s.handleClusterStop)
	e.POST("/api/model/share", s.handleShare)
	e.POST("/api/serve", s.handleServe)
	e.POST("/api/stop", s.handleStop)
	e.POST("/api/predict", s.handlePredict, s.rateLimit)
	e.GET("/api/status", s.handleStatus)
	e.GET("/api/activity", s.handleActivity)
	e.GET("/docs/:page", s.handleDocs)

	s.e = e
	return s, nil
}

// Handler returns the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Printf("httpapi: listening on %s", addr)
	if err := s.e.Start(addr); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
