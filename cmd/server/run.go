package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Brownie44l1/fruit-api/internal/artifact"
	"github.com/Brownie44l1/fruit-api/internal/cache"
	"github.com/Brownie44l1/fruit-api/internal/config"
	"github.com/Brownie44l1/fruit-api/internal/handlers"
	"github.com/Brownie44l1/fruit-api/internal/model"
	"github.com/Brownie44l1/fruit-api/internal/monitoring"
	"github.com/Brownie44l1/fruit-api/internal/rate"
	"github.com/Brownie44l1/fruit-api/internal/store"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCmd() *cobra.Command {
	var configPath string
	var logLevel int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.ParseServer(configPath)
			if err != nil {
				return err
			}
			if p := os.Getenv("PORT"); p != "" {
				port, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("invalid PORT %q: %s", p, err)
				}
				c.HTTPPort = port
			}
			if err := c.Validate(); err != nil {
				return err
			}

			if err := run(cmd.Context(), &c, logLevel); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")
	cmd.Flags().IntVar(&logLevel, "v", 0, "Log level")
	return cmd
}

func run(ctx context.Context, c *config.ServerConfig, lv int) error {
	stdr.SetVerbosity(lv)
	logger := stdr.New(log.Default())
	log := logger.WithName("boot")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := handlers.Options{
		Cache:          cache.New[*model.Classifications](c.Cache.Enable, c.Cache.TTL, c.Cache.MaxSize),
		MaxUploadBytes: c.MaxUploadBytes,
		TopK:           c.TopK,
	}

	limiter := rate.NewLimiter(c.RateLimit, logger)
	defer func() { _ = limiter.Close() }()
	opts.Limiter = limiter

	if c.Store.Path != "" {
		st, err := store.New(c.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		opts.Store = st
	}

	m := monitoring.NewMetricsMonitor(prometheus.DefaultRegisterer)
	defer m.UnregisterAllCollectors()
	opts.Metrics = m

	h := handlers.NewHandler(nil, opts, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.HTTPPort),
		Handler:           h.Routes(c.CORS.AllowedOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}
	monitorMux := http.NewServeMux()
	monitorMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MonitoringPort),
		Handler:           monitorMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(httpSrv, logger.WithName("http"), c.HTTPPort)
	})
	g.Go(func() error {
		predictor, err := loadModel(ctx, c, log)
		if err != nil {
			return err
		}
		h.SetPredictor(predictor)
		log.Info("Model loaded", "runtime", c.Model.Runtime, "classes", predictor.Synset())
		return nil
	})
	g.Go(func() error {
		return serve(metricsSrv, logger.WithName("metrics"), c.MonitoringPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down", "timeout", c.GracefulShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), c.GracefulShutdownTimeout)
		defer cancel()
		return errors.Join(httpSrv.Shutdown(sctx), metricsSrv.Shutdown(sctx))
	})
	err := g.Wait()
	if p := h.Predictor(); p != nil {
		if cerr := p.Close(); cerr != nil {
			log.Error(cerr, "Failed to close predictor")
		}
	}
	return err
}

// loadModel fetches the model from S3 when configured and builds the
// predictor.
func loadModel(ctx context.Context, c *config.ServerConfig, log logr.Logger) (model.Predictor, error) {
	mc := c.Model
	if c.S3 != nil && mc.Runtime == config.RuntimeNative {
		dst := downloadTarget(mc.Path, c.S3.Key)
		log.Info("Downloading model", "bucket", c.S3.Bucket, "key", c.S3.Key, "path", dst)
		s3c, err := artifact.NewS3Client(ctx, *c.S3)
		if err != nil {
			return nil, err
		}
		if err := s3c.DownloadFile(ctx, c.S3.Key, dst); err != nil {
			return nil, err
		}
		mc.Path = dst
		if dst != c.Model.Path {
			dir, err := unpackModel(dst, c.Model.Path)
			if err != nil {
				return nil, err
			}
			log.Info("Unpacked model", "dir", dir)
			mc.Path = dir
		}
	}
	return newPredictor(mc)
}

func serve(srv *http.Server, log logr.Logger, port int) error {
	log.Info("Starting server...", "port", port)
	err := srv.ListenAndServe()
	log.Info("Stopped server")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newPredictor(c config.ModelConfig) (model.Predictor, error) {
	switch c.Runtime {
	case config.RuntimeONNX:
		return model.NewONNXPredictor(c.ONNX.ModelPath, c.ONNX.MetadataPath, c.ONNX.SharedLibraryPath)
	default:
		return artifact.Load(c.Path, model.Name)
	}
}

// unpackModel extracts the archive into a fresh directory under modelDir
// named after the archive and returns that directory.
func unpackModel(archive, modelDir string) (string, error) {
	dir := filepath.Join(modelDir, strings.TrimSuffix(filepath.Base(archive), filepath.Ext(archive)))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clean model dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	if err := artifact.Extract(archive, dir); err != nil {
		return "", err
	}
	return dir, nil
}

// downloadTarget returns where the archive at key is stored for modelPath,
// which is either a directory or an archive path.
func downloadTarget(modelPath, key string) string {
	if strings.HasSuffix(modelPath, ".zip") {
		return modelPath
	}
	return filepath.Join(modelPath, path.Base(key))
}
