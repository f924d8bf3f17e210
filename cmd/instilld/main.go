package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarbin/instill"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultSegmentSize = 64 * 1024 * 1024 // 64MB

func main() {
	app := &cli.App{
		Name:  "instilld",
		Usage: "Run a snapshot-receiving Raft node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Node ID for this server (required)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "addr",
				Value: "127.0.0.1:7001",
				Usage: "Address to serve the Raft endpoint on",
			},
			&cli.StringFlag{
				Name:  "storage",
				Value: "wal",
				Usage: "Storage backend: wal, badger or memory",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Data directory (defaults to 'data<id>')",
			},
			&cli.StringFlag{
				Name:  "wal-segment-size",
				Value: "64MB",
				Usage: "WAL segment size (e.g., 64MB, 128MB)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Address to serve Prometheus metrics on (disabled if empty)",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Log output file (defaults to stderr)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	id := c.String("id")
	dir := c.String("dir")
	if dir == "" {
		dir = "data" + id
	}

	logger, err := buildLogger(c.String("log-file"))
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	storage, err := openStorage(c, dir, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()

	node, err := instill.New(instill.Config{
		Id:      id,
		Address: c.String("addr"),
		Storage: storage,
		Logger:  logger,
		OnFatal: func(err error) {
			logger.Fatal("Unrecoverable storage failure", zap.Error(err))
		},
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	if metricsAddr := c.String("metrics-addr"); metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := node.Serve(); err != nil {
			logger.Error("Serve stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down node...")
	return node.Close()
}

func openStorage(c *cli.Context, dir string, logger *zap.Logger) (instill.Storage, error) {
	switch backend := c.String("storage"); backend {
	case "wal":
		segmentSize, err := parseSize(c.String("wal-segment-size"), defaultSegmentSize)
		if err != nil {
			return nil, fmt.Errorf("invalid wal-segment-size: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return instill.OpenWalStorage(instill.WalOptions{
			Dir:         dir,
			SegmentSize: segmentSize,
			Logger:      logger,
		})
	case "badger":
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		return instill.OpenBadgerStorage(instill.BadgerOptions{
			Dir:    dir,
			Logger: logger,
		})
	case "memory":
		return instill.MemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
}

func buildLogger(logFile string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	}
	return cfg.Build()
}

// parseSize parses a size string like "64MB", "1GB", or a plain number (bytes).
func parseSize(s string, defaultVal int64) (int64, error) {
	if s == "" {
		return defaultVal, nil
	}

	s = strings.TrimSpace(strings.ToUpper(s))

	var multiplier int64 = 1
	if strings.HasSuffix(s, "KB") {
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	} else if strings.HasSuffix(s, "MB") {
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	} else if strings.HasSuffix(s, "GB") {
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
