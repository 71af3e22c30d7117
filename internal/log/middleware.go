// Copyright 2025 Tom Barlow
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

// RequestIDHeader carries a caller-chosen request id through the worker.
const RequestIDHeader = "X-Request-ID"

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// HTTPMiddleware logs one line per request when it completes. Server
// errors log at error level, client errors at warn, everything else at
// debug so polling does not flood the log.
func HTTPMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				slog.String(EventKey, "http_request"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("code", rec.code),
				slog.Int64(DurationKey, time.Since(start).Milliseconds()),
				slog.String("remote", r.RemoteAddr),
			}
			if id := r.Header.Get(RequestIDHeader); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}

			level := slog.LevelDebug
			switch {
			case rec.code >= 500:
				level = slog.LevelError
			case rec.code >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
