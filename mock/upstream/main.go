// Command upstream runs a lightweight HTTP mock of the DashScope
// OpenAI-compatible chat-completion endpoint. It is used for local and E2E
// testing of the comfort gateway without real credentials.
//
// Point the gateway at it with:
//
//	DASHSCOPE_BASE_URL=http://localhost:19001/compatible-mode/v1
//	DASHSCOPE_API_KEY=anything
//
// Behaviour flags (via env):
//
//	PORT             : listen port (default 19001)
//	MOCK_LATENCY_MS  : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE  : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_MODE        : ok | fenced | invalid | text (default ok)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Output modes.
const (
	ModeOK      = "ok"      // bare JSON payload
	ModeFenced  = "fenced"  // payload wrapped in prose and a code fence
	ModeInvalid = "invalid" // JSON that breaks the payload shape
	ModeText    = "text"    // plain prose with no JSON at all
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS int
	ErrorRate float64
	Mode      string
}

func loadConfig() Config {
	c := Config{Mode: ModeOK}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	switch v := os.Getenv("MOCK_MODE"); v {
	case ModeOK, ModeFenced, ModeInvalid, ModeText:
		c.Mode = v
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	addr := ":" + portFromEnv("PORT", 19001)
	srv := &http.Server{
		Addr:         addr,
		Handler:      newChatHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("starting mock upstream",
		slog.String("addr", addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.String("mode", cfg.Mode),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	log.Info("mock upstream stopped")
}
