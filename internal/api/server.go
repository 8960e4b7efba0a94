// Package api exposes the reconciler over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"trade-reconciler/internal/ingest"
	"trade-reconciler/internal/models"
	"trade-reconciler/internal/orchestrator"
	"trade-reconciler/internal/reconciler"
	"trade-reconciler/internal/store"
)

// Reconciler is the service surface the API needs.
type Reconciler interface {
	Upload(ctx context.Context, ownerID uint, fileName string, r io.Reader) (*reconciler.Summary, error)
	Trades(ctx context.Context, ownerID uint, filter store.TradeFilter) ([]models.TradeRecord, error)
	Exposure(ctx context.Context, ownerID uint) ([]reconciler.AssetExposure, error)
	Statuses(ctx context.Context, ownerID uint) ([]models.ProcessingStatus, error)
	Uploads(ctx context.Context, ownerID uint) ([]models.FileUpload, error)
	Match(ctx context.Context, ownerID uint, incremental bool) (*orchestrator.Run, error)
	Cancel(ctx context.Context, ownerID uint, fileName string) error
	DeleteByOwner(ctx context.Context, ownerID uint) (int64, error)
	DeleteByFile(ctx context.Context, ownerID uint, fileName string) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// Options configure the server.
type Options struct {
	// Exchange is the only exchange uploads are accepted for.
	Exchange string
	CacheTTL time.Duration
}

type Server struct {
	R        *gin.Engine
	Service  Reconciler
	Cache    *gocache.Cache
	Logger   *zap.Logger
	Exchange string
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type deleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// NewServer wires the router, cache and middleware.
func NewServer(svc Reconciler, logger *zap.Logger, opts Options) *Server {
	g := gin.New()

	// Request logging
	g.Use(func(cn *gin.Context) {
		start := time.Now()
		cn.Next()
		logger.Info("http_request",
			zap.String("method", cn.Request.Method),
			zap.String("path", cn.Request.URL.Path),
			zap.Int("status", cn.Writer.Status()),
			zap.String("ip", cn.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	})

	g.Use(gin.Recovery())

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	s := &Server{
		R:        g,
		Service:  svc,
		Cache:    gocache.New(ttl, 2*ttl),
		Logger:   logger,
		Exchange: opts.Exchange,
	}

	g.GET("/health", func(cn *gin.Context) { cn.JSON(http.StatusOK, gin.H{"ok": true}) })

	owners := g.Group("/api/owners/:owner")
	owners.POST("/uploads", s.upload)
	owners.GET("/uploads", s.listUploads)
	owners.POST("/uploads/:file/cancel", s.cancel)
	owners.DELETE("/uploads/:file", s.deleteFile)
	owners.GET("/trades", s.getTrades)
	owners.DELETE("/trades", s.deleteOwner)
	owners.GET("/exposure", s.getExposure)
	owners.GET("/statuses", s.getStatuses)
	owners.POST("/match", s.match)

	g.DELETE("/api/trades", s.deleteAll)

	return s
}

// --- Helpers ---

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

func (s *Server) internalError(c *gin.Context, where string, err error) {
	s.Logger.Error("internal_error", zap.String("where", where), zap.Error(err))
	c.JSON(http.StatusInternalServerError, apiError{Code: "internal_server_error", Message: "internal server error"})
}

// fail maps service errors onto status codes.
func (s *Server) fail(c *gin.Context, where string, err error) {
	var schemaErr *ingest.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		c.JSON(http.StatusBadRequest, apiError{Code: "invalid_schema", Message: err.Error(), Details: gin.H{
			"missing":    schemaErr.Missing,
			"unexpected": schemaErr.Unexpected,
		}})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()})
	case errors.Is(err, orchestrator.ErrAlreadyProcessing), errors.Is(err, orchestrator.ErrNotProcessing):
		c.JSON(http.StatusConflict, apiError{Code: "conflict", Message: err.Error()})
	default:
		s.internalError(c, where, err)
	}
}

func parseOwner(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(c.Param("owner")), 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func parseLimit(v string, def, min, max int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

func ownerPrefix(owner uint) string {
	return fmt.Sprintf("owner:%d:", owner)
}

// Invalidate drops every cached read of owner. Background runs call it when
// they finish.
func (s *Server) Invalidate(owner uint) {
	prefix := ownerPrefix(owner)
	for k := range s.Cache.Items() {
		if strings.HasPrefix(k, prefix) {
			s.Cache.Delete(k)
		}
	}
}

// cached serves key from the cache or loads, stores and serves it.
func (s *Server) cached(c *gin.Context, key, where string, load func() (any, error)) {
	if v, ok := s.Cache.Get(key); ok {
		c.JSON(http.StatusOK, v)
		return
	}
	v, err := load()
	if err != nil {
		s.fail(c, where, err)
		return
	}
	s.Cache.SetDefault(key, v)
	c.JSON(http.StatusOK, v)
}

// --- Handlers ---

func (s *Server) upload(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	if exchange := c.DefaultPostForm("exchange", s.Exchange); !strings.EqualFold(exchange, s.Exchange) {
		s.badRequest(c, fmt.Sprintf("unsupported exchange %q", exchange))
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		s.badRequest(c, "missing multipart file field 'file'")
		return
	}
	f, err := header.Open()
	if err != nil {
		s.internalError(c, "open upload", err)
		return
	}
	defer f.Close()

	summary, err := s.Service.Upload(c.Request.Context(), owner, header.Filename, f)
	if err != nil {
		s.fail(c, "Upload", err)
		return
	}
	s.Invalidate(owner)
	c.JSON(http.StatusCreated, summary)
}

func (s *Server) listUploads(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	s.cached(c, ownerPrefix(owner)+"uploads", "Uploads", func() (any, error) {
		rows, err := s.Service.Uploads(c.Request.Context(), owner)
		if rows == nil {
			rows = []models.FileUpload{}
		}
		return rows, err
	})
}

func (s *Server) getTrades(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	filter := store.TradeFilter{
		Asset:  strings.ToUpper(strings.TrimSpace(c.Query("asset"))),
		File:   strings.TrimSpace(c.Query("file")),
		Limit:  parseLimit(c.Query("limit"), 500, 1, 5000),
		Offset: parseLimit(c.Query("offset"), 0, 0, 1<<30),
	}
	key := fmt.Sprintf("%strades:%s:%s:%d:%d", ownerPrefix(owner), filter.Asset, filter.File, filter.Limit, filter.Offset)
	s.cached(c, key, "Trades", func() (any, error) {
		rows, err := s.Service.Trades(c.Request.Context(), owner, filter)
		if rows == nil {
			rows = []models.TradeRecord{}
		}
		return rows, err
	})
}

func (s *Server) getExposure(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	s.cached(c, ownerPrefix(owner)+"exposure", "Exposure", func() (any, error) {
		rows, err := s.Service.Exposure(c.Request.Context(), owner)
		if rows == nil {
			rows = []reconciler.AssetExposure{}
		}
		return rows, err
	})
}

func (s *Server) getStatuses(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	// Watermarks move in the background, so they bypass the cache.
	rows, err := s.Service.Statuses(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, "Statuses", err)
		return
	}
	if rows == nil {
		rows = []models.ProcessingStatus{}
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) match(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	incremental := c.DefaultQuery("incremental", "false") == "true"
	run, err := s.Service.Match(c.Request.Context(), owner, incremental)
	if err != nil {
		s.fail(c, "Match", err)
		return
	}
	s.Invalidate(owner)
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) cancel(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	if err := s.Service.Cancel(c.Request.Context(), owner, c.Param("file")); err != nil {
		s.fail(c, "Cancel", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
}

func (s *Server) deleteOwner(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	n, err := s.Service.DeleteByOwner(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, "DeleteByOwner", err)
		return
	}
	s.Invalidate(owner)
	c.JSON(http.StatusOK, deleteResponse{Deleted: n})
}

func (s *Server) deleteFile(c *gin.Context) {
	owner, ok := parseOwner(c)
	if !ok {
		s.badRequest(c, "invalid owner id")
		return
	}
	n, err := s.Service.DeleteByFile(c.Request.Context(), owner, c.Param("file"))
	if err != nil {
		s.fail(c, "DeleteByFile", err)
		return
	}
	s.Invalidate(owner)
	c.JSON(http.StatusOK, deleteResponse{Deleted: n})
}

func (s *Server) deleteAll(c *gin.Context) {
	n, err := s.Service.DeleteAll(c.Request.Context())
	if err != nil {
		s.fail(c, "DeleteAll", err)
		return
	}
	s.Cache.Flush()
	c.JSON(http.StatusOK, deleteResponse{Deleted: n})
}
