// Copyright 2025 The Uciforge Authors
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

package log

import (
	"log/slog"
	"net/http"
	"time"
)

// Request carries the fields logged for an inbound HTTP request.
type Request struct {
	Method        string
	Path          string
	RemoteAddr    string
	CorrelationID string
}

// Response carries the fields logged once a request has completed.
type Response struct {
	StatusCode int
	DurationMs int64
	Error      string
}

// LogRequest logs an incoming HTTP request at info level.
func LogRequest(logger *slog.Logger, req *Request) {
	attrs := []any{
		EventKey, "http_request",
		"method", req.Method,
		"path", req.Path,
		"remote", req.RemoteAddr,
	}
	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}
	logger.Info("request received", attrs...)
}

// LogResponse logs a completed HTTP request, escalating to error level on failure.
func LogResponse(logger *slog.Logger, req *Request, resp *Response) {
	attrs := []any{
		EventKey, "http_response",
		"method", req.Method,
		"path", req.Path,
		"status", resp.StatusCode,
		DurationKey, resp.DurationMs,
	}
	if req.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", req.CorrelationID)
	}

	level := slog.LevelInfo
	msg := "request completed"
	if resp.Error != "" {
		level = slog.LevelError
		msg = "request failed"
		attrs = append(attrs, "error", resp.Error)
	}
	logger.Log(nil, level, msg, attrs...)
}

// statusRecorder captures the status code written by a downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger wraps an http.Handler, logging each request's arrival and
// completion with duration, matching the request/response pairing the
// RPC-era middleware used for non-HTTP transports.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			req := &Request{
				Method:        r.Method,
				Path:          r.URL.Path,
				RemoteAddr:    r.RemoteAddr,
				CorrelationID: r.Header.Get("X-Correlation-Id"),
			}
			LogRequest(logger, req)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			LogResponse(logger, req, &Response{
				StatusCode: rec.status,
				DurationMs: time.Since(start).Milliseconds(),
			})
		})
	}
}
