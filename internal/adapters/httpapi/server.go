// Package httpapi exposes the custody service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"custodychain/internal/adapters/exports"
	"custodychain/internal/blob"
	"custodychain/internal/core"
	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

// Custody is the service surface served by the API. *core.Service
// implements it.
type Custody interface {
	RecordHarvest(ctx context.Context, h ledger.Harvest) (ledger.Receipt, error)
	CreatePackets(ctx context.Context, req core.CreatePacketsRequest) (core.CreatePacketsResult, error)
	BatchInfo(ctx context.Context, batchID string, sizeGM int64) (core.BatchInfo, error)
	BatchReport(ctx context.Context, batchID string) (core.BatchReport, error)
	PacketsAtStage(ctx context.Context, batchID string, stage domain.Stage) ([]string, error)
	ValidateForStage(ctx context.Context, packetID string, stage domain.Stage) (core.Verdict, error)
	TransitionPacket(ctx context.Context, packetID string, stage domain.Stage, fields ledger.StageFields) (core.TransitionResult, error)
	TransitionBulk(ctx context.Context, req core.BulkRequest) (core.BulkResult, error)
	Receive(ctx context.Context, req core.ReceiveRequest) (core.BulkResult, error)
	PacketJourney(ctx context.Context, packetID string) (core.Journey, error)
	BatchesForFarmer(ctx context.Context, farmerID string) ([]string, error)
	FarmersForBatch(ctx context.Context, batchID string) ([]string, error)
	AllFarmers(ctx context.Context) ([]string, error)
	RefreshIndex(ctx context.Context) (core.RefreshStats, error)
	RebuildIndex(ctx context.Context) (core.RefreshStats, error)
	GrantRole(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error)
	RevokeRole(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error)
	HasRole(ctx context.Context, role domain.Role, account string) (bool, error)
	SyncNonce(ctx context.Context) (uint64, error)
	Stats(ctx context.Context) (core.Stats, error)
}

var _ Custody = (*core.Service)(nil)

// Exports schedules and serves batch report exports. *exports.Worker
// implements it.
type Exports interface {
	Enqueue(ctx context.Context, input exports.Input) (exports.Record, error)
	Get(id string) (exports.Record, bool)
	Open(ctx context.Context, id string, format exports.Format) (blob.Info, io.ReadCloser, error)
}

var _ Exports = (*exports.Worker)(nil)

// Server routes HTTP requests to the custody service.
type Server struct {
	svc     Custody
	exports Exports
	logger  core.Logger
	metrics http.Handler
	echo    *echo.Echo
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithExports enables the /api/exports routes.
func WithExports(e Exports) Option { return func(s *Server) { s.exports = e } }

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// New builds the server and registers every route.
func New(svc Custody, opts ...Option) *Server {
	s := &Server{svc: svc, logger: discardLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("http request", "request_id", v.RequestID, "method", v.Method, "uri", v.URI, "status", v.Status, "duration_ms", v.Latency.Milliseconds())
			return nil
		},
	}))
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.health)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := e.Group("/api")
	api.POST("/harvests", s.recordHarvest)
	api.GET("/stats", s.stats)

	api.GET("/batches/:batch_id", s.batchInfo)
	api.POST("/batches/:batch_id/packets", s.createPackets)
	api.GET("/batches/:batch_id/packets", s.packetsAtStage)
	api.POST("/batches/:batch_id/transitions", s.transitionBulk)
	api.GET("/batches/:batch_id/farmers", s.batchFarmers)
	api.GET("/batches/:batch_id/report", s.batchReport)

	api.POST("/stages/:stage/receive", s.receive)

	api.POST("/packets/:packet_id/stages/:stage", s.transitionPacket)
	api.GET("/packets/:packet_id/validate", s.validate)
	api.GET("/packets/:packet_id/journey", s.journey)

	api.GET("/farmers", s.allFarmers)
	api.GET("/farmers/:farmer_id/batches", s.farmerBatches)

	api.POST("/roles/grant", s.grantRole)
	api.POST("/roles/revoke", s.revokeRole)
	api.GET("/roles/has", s.hasRole)

	admin := api.Group("/admin")
	admin.POST("/nonce/sync", s.syncNonce)
	admin.POST("/index/refresh", s.refreshIndex)
	admin.POST("/index/rebuild", s.rebuildIndex)

	if s.exports != nil {
		api.POST("/exports", s.createExport)
		api.GET("/exports/:id", s.getExport)
		api.GET("/exports/:id/artifacts/:format", s.downloadExport)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.echo.ServeHTTP(w, r) }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "time": time.Now().UTC()})
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
