// Package server exposes the engine over HTTP: generation as an SSE stream
// plus introspection endpoints for memory, cache and kernel state.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clocksmith/dreamer/internal/engine"
	"github.com/clocksmith/dreamer/internal/logger"
)

type Server struct {
	engine *engine.Engine
	log    *logger.Logger
}

func New(e *engine.Engine) *Server {
	return &Server{engine: e, log: logger.Log.Component("server")}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/reset", s.handleReset)
	e.GET("/v1/model", s.handleModel)
	e.GET("/v1/introspect/memory", s.handleMemory)
	e.GET("/v1/introspect/kv", s.handleKV)
	e.GET("/v1/introspect/gpu", s.handleGPU)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

type generateEvent struct {
	RequestID string         `json:"request_id"`
	Token     *engine.Token  `json:"token,omitempty"`
	Done      bool           `json:"done,omitempty"`
	Result    *engine.Result `json:"result,omitempty"`
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req engine.GenerateRequest
	if err := c.Bind(&req); err != nil {
		return writeBadRequest(c, "malformed request body")
	}

	requestID := "gen_" + uuid.NewString()
	ctx := c.Request().Context()

	stream, err := s.engine.Generate(ctx, req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, _ := res.(interface{ Flush() })
	send := func(ev generateEvent) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", b); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	start := time.Now()
	for tok := range stream.Tokens() {
		t := tok
		if err := send(generateEvent{RequestID: requestID, Token: &t}); err != nil {
			// Client went away; the request context cancels generation.
			s.log.Debug("generate stream aborted", "request_id", requestID, "error", err)
			for range stream.Tokens() {
			}
			stream.Result()
			return nil
		}
	}

	result := stream.Result()
	s.log.Info("generate done",
		"request_id", requestID,
		"tokens", len(result.TokenIDs),
		"finish_reason", result.Reason,
		"duration", time.Since(start))
	return send(generateEvent{RequestID: requestID, Done: true, Result: &result})
}

func (s *Server) handleReset(c *echo.Context) error {
	s.engine.Reset()
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.engine.Config()
	return c.JSON(http.StatusOK, map[string]any{
		"name":        cfg.Name,
		"layers":      cfg.Layers,
		"hidden_size": cfg.Dim,
		"heads":       cfg.Heads,
		"kv_heads":    cfg.KVHeads,
		"head_dim":    cfg.HeadDim,
		"vocab_size":  cfg.VocabSize,
		"max_seq_len": cfg.SeqLen,
	})
}

func (s *Server) handleMemory(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Memory())
}

func (s *Server) handleKV(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.KVStats())
}

func (s *Server) handleGPU(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.GPU())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "invalid_request_error",
		},
	})
}
