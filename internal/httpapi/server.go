// Package httpapi provides the HTTP API for complianced.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/complianced/internal/assistant"
	"github.com/fyrsmithlabs/complianced/internal/chunking"
	"github.com/fyrsmithlabs/complianced/internal/conversation"
	"github.com/fyrsmithlabs/complianced/internal/embeddings"
	"github.com/fyrsmithlabs/complianced/internal/requirements"
	"github.com/fyrsmithlabs/complianced/internal/retrieval"
)

// Ingester indexes and deletes school documents.
type Ingester interface {
	IndexDocument(ctx context.Context, meta chunking.DocumentMeta, text string) (*retrieval.IndexResult, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// APIKey, when non-empty, is required in the X-API-Key header of
	// every request except /health.
	APIKey string
}

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	assistant *assistant.Assistant
	ingester  Ingester
	catalog   *requirements.Catalog
	logger    *zap.Logger
	config    Config
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(asst *assistant.Assistant, ingester Ingester, catalog *requirements.Catalog, logger *zap.Logger, cfg Config) (*Server, error) {
	if asst == nil {
		return nil, errors.New("assistant is required")
	}
	if ingester == nil {
		return nil, errors.New("ingester is required")
	}
	if catalog == nil {
		return nil, errors.New("requirement catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8710
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		assistant: asst,
		ingester:  ingester,
		catalog:   catalog,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	if s.config.APIKey != "" {
		v1.Use(s.requireAPIKey)
	}

	v1.POST("/chat", s.handleChat)
	v1.POST("/documents", s.handleIndexDocument)
	v1.DELETE("/documents/:id", s.handleDeleteDocument)
	v1.GET("/requirements", s.handleListRequirements)
	v1.GET("/requirements/:id", s.handleGetRequirement)
	v1.DELETE("/sessions/:id", s.handleCloseSession)
}

func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get("X-API-Key") != s.config.APIKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
		}
		return next(c)
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ChatRequest is the request body for POST /api/v1/chat.
type ChatRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	TenantID      string `json:"tenant_id"`
	RequirementID string `json:"requirement_id"`
	QuestionType  string `json:"question_type,omitempty"`
	Question      string `json:"question"`
	Stream        bool   `json:"stream,omitempty"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	askReq := assistant.AskRequest{
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		RequirementID: req.RequirementID,
		QuestionType:  assistant.QuestionType(req.QuestionType),
		Question:      req.Question,
	}

	if req.Stream {
		return s.streamChat(c, askReq)
	}

	answer, err := s.assistant.Ask(c.Request().Context(), askReq)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, answer)
}

// streamChat delivers the answer as server-sent events: "fragment" events
// carrying text, one final "done" event carrying the full Answer JSON.
func (s *Server) streamChat(c echo.Context, req assistant.AskRequest) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)

	answer, err := s.assistant.AskStream(c.Request().Context(), req, func(fragment string) error {
		if _, err := fmt.Fprintf(resp, "event: fragment\ndata: %q\n\n", fragment); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})
	if err != nil {
		// Headers are gone; all we can do is signal the failure in-band.
		fmt.Fprintf(resp, "event: error\ndata: %q\n\n", err.Error())
		resp.Flush()
		return nil
	}

	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	fmt.Fprintf(resp, "event: done\ndata: %s\n\n", data)
	resp.Flush()
	return nil
}

// IndexDocumentRequest is the request body for POST /api/v1/documents.
type IndexDocumentRequest struct {
	DocumentID   string `json:"document_id,omitempty"`
	DocumentName string `json:"document_name"`
	TenantID     string `json:"tenant_id"`
	Text         string `json:"text"`

	// PageBoundaries maps page numbers to character ranges in Text, as
	// produced by the PDF extraction front-end.
	PageBoundaries []chunking.PageBoundary `json:"page_boundaries,omitempty"`
}

// IndexDocumentResponse is the response body for POST /api/v1/documents.
type IndexDocumentResponse struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Replaced   bool   `json:"replaced"`
}

func (s *Server) handleIndexDocument(c echo.Context) error {
	var req IndexDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if req.DocumentID == "" {
		req.DocumentID = uuid.NewString()
	}

	result, err := s.ingester.IndexDocument(c.Request().Context(), chunking.DocumentMeta{
		DocumentID:     req.DocumentID,
		DocumentName:   req.DocumentName,
		TenantID:       req.TenantID,
		PageBoundaries: req.PageBoundaries,
	}, req.Text)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, IndexDocumentResponse{
		DocumentID: result.DocumentID,
		ChunkCount: result.ChunkCount,
		Replaced:   result.Replaced,
	})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	if err := s.ingester.DeleteDocument(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListRequirements(c echo.Context) error {
	if standard := c.QueryParam("standard"); standard != "" {
		list := s.catalog.ByStandard(standard)
		if list == nil {
			list = []requirements.Requirement{}
		}
		return c.JSON(http.StatusOK, list)
	}
	return c.JSON(http.StatusOK, s.catalog.List())
}

func (s *Server) handleGetRequirement(c echo.Context) error {
	r, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleCloseSession(c echo.Context) error {
	if err := s.assistant.Sessions().Close(c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError translates pipeline sentinels to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, assistant.ErrInvalidRequest),
		errors.Is(err, embeddings.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, requirements.ErrRequirementNotFound),
		errors.Is(err, conversation.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrSessionClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, retrieval.ErrIngestion):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, conversation.ErrBudgetExceeded):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, embeddings.ErrBackendUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
