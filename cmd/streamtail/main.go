// Command streamtail follows a log or task stream and prints every frame and lifecycle event
// as a JSON line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sonirico/streamclient"
	"github.com/sonirico/streamclient/internal/config"
)

const tokenEnv = "STREAM_TOKEN"

func main() {
	if err := run(); err != nil {
		log.Printf("streamtail: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "YAML config file (optional)")
	agentFlag := flag.String("agent", "", "only logs of this agent id")
	taskFlag := flag.String("task", "", "only logs of this task id")
	levelFlag := flag.String("level", "", "only logs of this level")
	watchTaskFlag := flag.String("watch-task", "", "follow status, progress and completion of a task instead of logs")
	metricsFlag := flag.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.Parse()

	config.LoadEnvFiles([]string{".env", ".env.local"})

	cfg := config.Default()
	if path := strings.TrimSpace(*configFlag); path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return err
		}
	}

	zl, err := newZapLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	// The token is read on every (re)connection so a rotated STREAM_TOKEN is picked up.
	tokens := streamclient.TokenProviderFunc(func() (string, bool) {
		if token := os.Getenv(tokenEnv); token != "" {
			return token, true
		}
		return cfg.Token, cfg.Token != ""
	})

	client, err := streamclient.New(cfg.Stream,
		streamclient.WithContext(ctx),
		streamclient.WithLogger(streamclient.NewZapLogger(zl.Sugar())),
		streamclient.WithTokenProvider(tokens),
		streamclient.WithMetrics(registry),
	)
	if err != nil {
		return err
	}
	defer client.Dispose()

	if addr := strings.TrimSpace(*metricsFlag); addr != "" {
		srv := serveMetrics(addr, registry, zl)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	out := &lineWriter{w: os.Stdout}
	failed := make(chan error, 1)

	client.OnEvent(streamclient.EventStateChange, func(e streamclient.Event) {
		out.write("state", map[string]string{
			"state":    e.State.String(),
			"previous": e.Previous.String(),
			"target":   e.Target.String(),
		})
	})
	client.OnEvent(streamclient.EventReconnectScheduled, func(e streamclient.Event) {
		out.write("reconnect", map[string]any{"attempt": e.Attempt, "delay": e.Delay.String()})
	})
	client.OnEvent(streamclient.EventServerError, func(e streamclient.Event) {
		out.write("server_error", map[string]string{"error": e.Err.Error()})
	})
	client.OnEvent(streamclient.EventReconnectFailed, func(e streamclient.Event) {
		select {
		case failed <- e.Err:
		default:
		}
	})

	client.SubscribeToNotifications(func(n streamclient.Notification) {
		out.write(string(streamclient.FrameNotification), n)
	})

	if taskID := strings.TrimSpace(*watchTaskFlag); taskID != "" {
		client.SubscribeToTaskUpdates(ctx, taskID, func(u streamclient.TaskUpdate) {
			out.write(string(u.Type), u.Data)
		})
	} else {
		client.SubscribeToLogs(ctx, func(e streamclient.LogEntry) {
			out.write(string(streamclient.FrameLogEntry), e)
		}, streamclient.LogFilters{
			AgentID: strings.TrimSpace(*agentFlag),
			TaskID:  strings.TrimSpace(*taskFlag),
			Level:   strings.TrimSpace(*levelFlag),
		})
	}

	select {
	case <-ctx.Done():
		zl.Info("shutting down")
		return nil
	case err := <-failed:
		return errors.Wrap(err, "stream lost")
	}
}

func newZapLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.OutputPaths = []string{"stderr"}

	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", c.Level)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	return zc.Build()
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	return srv
}

// lineWriter prints one JSON object per line. Callbacks may run on different goroutines.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(kind string, payload any) {
	line, err := json.Marshal(struct {
		Kind    string    `json:"kind"`
		At      time.Time `json:"at"`
		Payload any       `json:"payload"`
	}{kind, time.Now().UTC(), payload})
	if err != nil {
		line = []byte(fmt.Sprintf(`{"kind":"encode_error","error":%q}`, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(append(line, '\n'))
}
