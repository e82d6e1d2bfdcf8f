// Command server is the reactor's entry point: the Go port of main.cpp's
// big setup-then-loop body. CLI parsing is deliberately manual argv
// handling, not the flag package, matching the original's argc/argv shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fuxinsen/tinywebserver-go/internal/config"
	"github.com/fuxinsen/tinywebserver-go/internal/connslot"
	"github.com/fuxinsen/tinywebserver-go/internal/dbpool"
	"github.com/fuxinsen/tinywebserver-go/internal/httpconn"
	"github.com/fuxinsen/tinywebserver-go/internal/logx"
	"github.com/fuxinsen/tinywebserver-go/internal/metrics"
	"github.com/fuxinsen/tinywebserver-go/internal/reactor"
	"github.com/fuxinsen/tinywebserver-go/internal/workerpool"
)

// metricsLogInterval controls how often the background snapshot logger
// writes a summary line while the reactor is running.
const metricsLogInterval = 30 * time.Second

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	bind, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "please use command: %s [ip_address] port_number\n", progName(argv))
		return 1
	}

	// SIGPIPE would otherwise kill the process on a write to a peer that
	// already closed its end; the reactor handles that as a write error.
	signal.Ignore(syscall.SIGPIPE)

	cfg := config.Default()
	cfg.Bind = bind
	cfg.DB = dbConfigFromEnv()

	log, err := logx.New(logx.Config{
		Path:            "ServerLog",
		MaxLinesPerFile: 800000,
		AsyncQueueDepth: 2000,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "log init: %v\n", err)
		return 1
	}
	if closer, ok := log.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ctx := context.Background()

	pool, err := dbpool.New(ctx, cfg.DB, dbpool.NewMySQLHandleFactory(), cfg.DBConnections)
	if err != nil {
		log.Error("db pool init failed", err)
		return 1
	}
	defer pool.Close()

	workers, err := workerpool.New(pool, cfg.ThreadNumber, cfg.MaxRequests)
	if err != nil {
		log.Error("worker pool init failed", err)
		return 1
	}

	store := httpconn.NewUserStore()
	if err := httpconn.PreloadUsers(ctx, pool, store); err != nil {
		log.Error("user table preload failed", err)
		return 1
	}

	docRoot, _ := os.Getwd()
	table := connslot.NewTable(cfg.MaxFD, func() connslot.Connection {
		return httpconn.New(docRoot, store)
	})

	r, err := reactor.New(cfg, table, workers, log, cfg.Bind)
	if err != nil {
		log.Error("reactor init failed", err)
		return 1
	}

	snapshot := metrics.Snapshot{Slots: table, Queue: workers, Pool: pool}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(metricsCtx)
	g.Go(func() error {
		defer stopMetrics()
		return r.Run()
	})
	g.Go(func() error {
		logMetricsPeriodically(gctx, log, snapshot, metricsLogInterval)
		return nil
	})

	log.Info("server listening", "bind", cfg.Bind)
	if err := g.Wait(); err != nil {
		log.Error("reactor exited with error", err)
		log.Flush()
		return 1
	}
	log.Flush()
	return 0
}

// logMetricsPeriodically writes a snapshot line on interval until ctx is
// done, joined via the same errgroup that runs the reactor so shutdown
// waits for both goroutines to finish.
func logMetricsPeriodically(ctx context.Context, log logx.Logger, snap metrics.Snapshot, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info(snap.Dump())
		}
	}
}

// parseArgs accepts "port" or "ip_address port", matching the original's
// argv[1]-only and argv[1]+argv[2] forms.
func parseArgs(argv []string) (bind string, err error) {
	switch len(argv) {
	case 2:
		port, err := strconv.Atoi(argv[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0.0.0.0:%d", port), nil
	case 3:
		port, err := strconv.Atoi(argv[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:%d", argv[1], port), nil
	default:
		return "", fmt.Errorf("expected 1 or 2 arguments, got %d", len(argv)-1)
	}
}

func progName(argv []string) string {
	if len(argv) == 0 {
		return "server"
	}
	return argv[0]
}

func dbConfigFromEnv() dbpool.Config {
	return dbpool.Config{
		Host:     getEnvDefault("DB_HOST", "localhost"),
		Port:     getEnvIntDefault("DB_PORT", 3306),
		User:     getEnvDefault("DB_USER", "root"),
		Password: os.Getenv("DB_PASSWORD"),
		Database: getEnvDefault("DB_NAME", "webdb"),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
