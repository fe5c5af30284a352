package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matthewgall/uploader/internal/auth"
	"github.com/matthewgall/uploader/internal/config"
	"github.com/matthewgall/uploader/internal/files"
	"github.com/matthewgall/uploader/internal/http/server"
	"github.com/matthewgall/uploader/internal/remote"
	"github.com/matthewgall/uploader/internal/uploader"
	"github.com/matthewgall/uploader/internal/uploads"
)

var (
	configFile       = flag.String("config", "config.yaml", "Path to configuration file")
	version          = flag.Bool("version", false, "Show version information")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	serverAddress    = flag.String("address", "", "Server address (host:port)")
	serverHost       = flag.String("host", "", "Server host")
	serverPort       = flag.Int("port", 0, "Server port")
	maxUploadSize    = flag.Int64("max-upload-size", 0, "Max upload request size (bytes)")
	uploadsDir       = flag.String("uploads-dir", "", "Directory for local disks")
	signingSecret    = flag.String("signing-secret", "", "Secret for signed file urls")
	remoteTimeout    = flag.Duration("remote-timeout", 0, "Timeout for remote downloads")
	remoteMaxSize    = flag.Int64("remote-max-size", 0, "Max remote download size (bytes)")
	defaultConfig    = flag.String("default-configuration", "", "Configuration used when no resolver matches")
	uploadSource     = flag.String("upload", "", "Upload a local file or http(s) url and exit")
	uploadName       = flag.String("name", "", "Name to store the upload under")
	uploadDisk       = flag.String("disk", "", "Disk override for -upload")
	uploadPath       = flag.String("path", "", "Directory override for -upload")
	uploadConfigName = flag.String("configuration", "", "Configuration to use for -upload")
)

const (
	appName    = "Uploader"
	appVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fatal("failed to load configuration", err)
	}
	if err := cfg.ApplyOverrides(overridesFromFlags(cfg)); err != nil {
		fatal("failed to apply overrides", err)
	}

	ctx := context.Background()
	signer := auth.NewURLSigner(cfg.Signing.Secret, cfg.Signing.TTL)
	disks, err := uploads.NewDisks(ctx, cfg.Disks, signer)
	if err != nil {
		fatal("failed to initialize disks", err)
	}
	defer func() {
		if err := disks.Close(); err != nil {
			slog.Warn("closing disks", slog.Any("error", err))
		}
	}()

	observer, err := uploader.NewPrometheusObserver("uploader", prometheus.DefaultRegisterer)
	if err != nil {
		fatal("failed to register metrics", err)
	}
	fetcher := remote.New(remote.Options{
		Timeout:   cfg.Remote.Timeout,
		MaxSize:   cfg.Remote.MaxSize,
		UserAgent: cfg.Remote.UserAgent,
		TempDir:   cfg.Remote.TempDir,
		Logger:    logger,
	})
	up := uploader.New(cfg.Uploader, disks,
		uploader.WithFetcher(fetcher),
		uploader.WithObserver(observer),
		uploader.WithLogger(logger),
		uploader.WithBatchConcurrency(cfg.Server.BatchConcurrency),
	)

	if *uploadSource != "" {
		if err := uploadOnce(ctx, up, *uploadSource); err != nil {
			fatal("upload failed", err)
		}
		return
	}

	srv := server.New(cfg, up, disks, server.WithSigner(signer), server.WithLogger(logger))

	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("starting server", slog.String("app", appName), slog.String("address", cfg.Server.Address), slog.Any("disks", disks.Names()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed to start", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", slog.Any("error", err))
	}

	slog.Info("server exited")
}

func overridesFromFlags(cfg *config.Config) config.Overrides {
	overrides := config.Overrides{}
	if *serverAddress != "" {
		overrides.ServerAddress = serverAddress
	} else if *serverHost != "" || *serverPort != 0 {
		host, port := splitAddress(cfg.Server.Address)
		if *serverHost != "" {
			host = *serverHost
		}
		if *serverPort != 0 {
			port = fmt.Sprintf("%d", *serverPort)
		}
		if host == "" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		address := net.JoinHostPort(host, port)
		overrides.ServerAddress = &address
	}
	if *maxUploadSize != 0 {
		overrides.ServerMaxUploadSize = maxUploadSize
	}
	if *uploadsDir != "" {
		overrides.LocalDirectory = uploadsDir
	}
	if *signingSecret != "" {
		overrides.SigningSecret = signingSecret
	}
	if *remoteTimeout != 0 {
		overrides.RemoteTimeout = remoteTimeout
	}
	if *remoteMaxSize != 0 {
		overrides.RemoteMaxSize = remoteMaxSize
	}
	if *defaultConfig != "" {
		overrides.DefaultConfiguration = defaultConfig
	}
	return overrides
}

// uploadOnce stores a single file or url and prints the result as JSON.
func uploadOnce(ctx context.Context, up *uploader.Uploader, source string) error {
	var src uploader.Source
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		src = uploader.FromURL(source)
	} else {
		file, err := files.FromPath("", source, "")
		if err != nil {
			return err
		}
		src = uploader.FromFile(file)
	}

	opts := uploader.Options{Disk: *uploadDisk, Path: *uploadPath, Configuration: *uploadConfigName}
	var (
		result *uploader.Result
		err    error
	)
	if *uploadName != "" {
		result, err = up.UploadAs(ctx, src, *uploadName, opts)
	} else {
		result, err = up.Upload(ctx, src, opts)
	}
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if !result.Succeeded {
		return result.Err
	}
	return nil
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func splitAddress(address string) (string, string) {
	if address == "" {
		return "", ""
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", ""
	}
	return host, port
}
