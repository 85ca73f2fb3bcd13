package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/auth"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

type rateLimitResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	decision, err := s.deps.Limiter.Allow(r.Context())
	if errors.Is(err, apperr.ErrResourceExhausted) {
		retryAfter := max(int(time.Until(decision.ResetAt).Round(time.Second).Seconds()), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitResponse{
		Allowed:   true,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	})
}

type postMessageRequest struct {
	Text string `json:"text"`
}

type postMessageResponse struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sender, _ := auth.IdentityFrom(r.Context())
	ev, err := s.deps.Ingestor.PostMessage(r.Context(), chi.URLParam(r, "chatId"), sender, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, postMessageResponse{ChatID: ev.ChatID, MessageID: ev.MessageID})
}

type recomputeResponse struct {
	Job      string `json:"job"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
}

func (s *Server) handleTrendingRecompute(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.IdentityFrom(r.Context()); !ok {
		writeError(w, r, fmt.Errorf("trending recompute: %w", apperr.ErrUnauthenticated))
		return
	}

	started := time.Now()
	// the run outlives a client disconnect
	if err := s.deps.Jobs.RunNow(context.WithoutCancel(r.Context()), s.deps.TrendingJob); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recomputeResponse{
		Job:      s.deps.TrendingJob,
		Status:   "completed",
		Duration: time.Since(started).String(),
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeError(w, r, apperr.Transient(fmt.Errorf("store ping: %w", err)))
			return
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", apperr.ErrInvalidArgument)
	}
	if len(body) > maxBodyBytes {
		return fmt.Errorf("body larger than %d bytes: %w", maxBodyBytes, apperr.ErrInvalidArgument)
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", apperr.ErrInvalidArgument)
	}
	return nil
}
