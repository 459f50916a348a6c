// Upstream is a small HTTP server to run behind balancebeam during manual
// testing. Every response names the instance that produced it in the
// X-Upstream header so request distribution can be observed.
//
// Usage:
//
//	go run ./scripts/upstream --port 8081
//	go run ./scripts/upstream --port 8082 --unhealthy
//
// Routes:
//
//	GET  /health       200 unless the instance is unhealthy
//	POST /health/fail  make /health answer 503
//	POST /health/ok    make /health answer 200 again
//	*    /*            echo the method, path, X-Forwarded-For and body as JSON
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/angeloszaimis/balancebeam/pkg/logger"
)

type echoResponse struct {
	RequestID     string `json:"request_id"`
	Upstream      string `json:"upstream"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	ForwardedFor  string `json:"forwarded_for"`
	Body          string `json:"body,omitempty"`
	ContentLength int    `json:"content_length"`
}

func main() {
	port := pflag.Int("port", 8081, "port to listen on")
	name := pflag.String("name", "", "instance name reported in X-Upstream (defaults to the listen address)")
	unhealthy := pflag.Bool("unhealthy", false, "start with /health failing")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	if *name == "" {
		*name = addr
	}

	log := logger.New(*level, false, "dev").With(slog.String("upstream", *name))

	var healthy atomic.Bool
	healthy.Store(!*unhealthy)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Upstream", *name)
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	r.Post("/health/fail", func(w http.ResponseWriter, req *http.Request) {
		healthy.Store(false)
		log.Warn("Health check now failing")
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/health/ok", func(w http.ResponseWriter, req *http.Request) {
		healthy.Store(true)
		log.Info("Health check now passing")
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := echoResponse{
			RequestID:     uuid.NewString(),
			Upstream:      *name,
			Method:        req.Method,
			Path:          req.URL.Path,
			ForwardedFor:  req.Header.Get("X-Forwarded-For"),
			Body:          string(body),
			ContentLength: len(body),
		}

		log.Info("Received request",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("forwarded_for", resp.ForwardedFor),
			slog.String("request_id", resp.RequestID))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	log.Info("Starting upstream", slog.String("addr", addr), slog.Bool("healthy", healthy.Load()))
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
