// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the thin HTTP surface in front of the coalescing engine. Handlers map a
// request to an identity, submit one operation and render its outcome.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"quotaengine/internal/quota/core"
	"quotaengine/internal/quota/usage"
)

// RateOptions is the coarse per-ip throttle applied by GET /ratelimit.
type RateOptions struct {
	Window time.Duration
	Limit  int64
}

// Server handles the HTTP requests of the quota engine.
type Server struct {
	submit core.Submitter
	limits usage.Limits
	rate   RateOptions
	log    zerolog.Logger
}

// NewServer creates a server that submits through submit.
func NewServer(submit core.Submitter, limits usage.Limits, rate RateOptions, logger zerolog.Logger) *Server {
	if limits == nil {
		limits = usage.DefaultLimits()
	}
	if rate.Window < time.Second {
		rate.Window = time.Minute
	}
	if rate.Limit <= 0 {
		rate.Limit = 60
	}
	return &Server{submit: submit, limits: limits, rate: rate, log: logger.With().Str("component", "api").Logger()}
}

// Router returns the HTTP handler with every route registered.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(hlog.NewHandler(s.log))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, took time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("took", took).
			Msg("request")
	}))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/usage", s.handleGetUsage)
	router.Post("/usage/increment", s.handleIncrement)
	router.Get("/ratelimit", s.handleRateLimit)
	return router
}

// NewHTTPServer wraps the router in an http.Server listening on addr.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

type usageResponse struct {
	usage.Record
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

func identityOf(r *http.Request) usage.Identity {
	q := r.URL.Query()
	id := usage.Identity{
		UserID:   q.Get("user_id"),
		Username: q.Get("username"),
		IP:       q.Get("ip"),
		Tier:     usage.Tier(q.Get("tier")),
	}
	if id.IP == "" && id.Anonymous() && id.Username == "" {
		id.IP = usage.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)
	}
	return id
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	o, err := s.submit.Submit(r.Context(), core.OpGetUserData, identityOf(r), core.High)
	if err != nil {
		s.unavailable(w, err)
		return
	}
	rec, _ := o.Record()
	s.writeJSON(w, http.StatusOK, toResponse(rec, o))
}

// handleIncrement counts one request. Requests past the daily limit are still counted and
// answered with 429.
func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	o, err := s.submit.Submit(r.Context(), core.OpIncrementUsage, identityOf(r), core.Urgent)
	if err != nil {
		s.unavailable(w, err)
		return
	}
	rec, _ := o.Record()
	limit := s.limits.For(rec.Tier)
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rec.RemainingRequests, 10))
	status := http.StatusOK
	if o.OK() && rec.RequestsToday > limit {
		w.Header().Set("X-RateLimit-Status", "Exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(secondsUntilReset(time.Now())))
		status = http.StatusTooManyRequests
	} else {
		w.Header().Set("X-RateLimit-Status", "OK")
	}
	s.writeJSON(w, status, toResponse(rec, o))
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	ip := usage.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)
	if q := r.URL.Query().Get("ip"); q != "" {
		ip = q
	}
	normalized, err := usage.NormalizeIP(ip)
	if err != nil {
		http.Error(w, "invalid client address", http.StatusBadRequest)
		return
	}
	payload := core.RateLimitPayload{Subject: "ip:" + normalized, Window: s.rate.Window, Limit: s.rate.Limit}
	o, err := s.submit.Submit(r.Context(), core.OpCheckRateLimit, payload, core.Urgent)
	if err != nil {
		s.unavailable(w, err)
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(s.rate.Limit, 10))
	if !o.Bool() {
		w.Header().Set("X-RateLimit-Status", "Exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(int(s.rate.Window/time.Second)))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}
	w.Header().Set("X-RateLimit-Status", "OK")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func toResponse(rec usage.Record, o core.Outcome) usageResponse {
	resp := usageResponse{Record: rec, Fallback: o.Fallback()}
	if o.Reason != nil {
		resp.Reason = o.Reason.Error()
	}
	return resp
}

// unavailable renders a rejected enqueue; the engine is stopped or misconfigured.
func (s *Server) unavailable(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, core.ErrUnknownPriority) {
		status = http.StatusInternalServerError
	}
	s.log.Warn().Err(err).Msg("enqueue rejected")
	http.Error(w, http.StatusText(status), status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func secondsUntilReset(now time.Time) int {
	now = now.UTC()
	next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(next.Sub(now) / time.Second)
}
