package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/studychat/internal/api"
	"github.com/kalambet/studychat/internal/chat"
	"github.com/kalambet/studychat/internal/composer"
	"github.com/kalambet/studychat/internal/config"
	"github.com/kalambet/studychat/internal/embedding"
	"github.com/kalambet/studychat/internal/extract"
	"github.com/kalambet/studychat/internal/guidelines"
	"github.com/kalambet/studychat/internal/maintenance"
	"github.com/kalambet/studychat/internal/ollama"
	"github.com/kalambet/studychat/internal/proxy"
	"github.com/kalambet/studychat/internal/quota"
	"github.com/kalambet/studychat/internal/semcache"
	"github.com/kalambet/studychat/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the studychat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running studychat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show studychat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve the MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "studychat.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// newLogger builds the process logger from the log.* keys.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openKV returns the document store for the configured backend. The sqlite
// store is always opened because it hosts the job queue.
func openKV(ctx context.Context, cfg config.Config, store *storage.Store) (storage.KV, func(), error) {
	if cfg.Storage.Backend != "redis" {
		return store, func() {}, nil
	}
	rkv, err := storage.OpenRedis(ctx, storage.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return rkv, func() { rkv.Close() }, nil
}

// newEmbedder returns the remote-tier codec for the configured provider, or
// nil when only the local hash encoder is used.
func newEmbedder(ctx context.Context, cfg config.Config, gen *proxy.Client) (embedding.Codec, error) {
	switch cfg.Embedding.Provider {
	case "ollama":
		oc := ollama.New(cfg.Ollama.BaseURL, ollamaModel(cfg))
		if err := ollama.EnsureReady(ctx, oc, os.Stderr); err != nil {
			return nil, err
		}
		return embedding.NewRemote(oc, cfg.Embedding.MemoSize), nil
	case "local":
		return nil, nil
	default:
		return embedding.NewRemote(gen, cfg.Embedding.MemoSize), nil
	}
}

// ollamaModel maps the hosted default embedding model to Ollama's default.
func ollamaModel(cfg config.Config) string {
	if cfg.Embedding.Model == "" || cfg.Embedding.Model == proxy.DefaultEmbeddingModel {
		return ollama.DefaultModel
	}
	return cfg.Embedding.Model
}

func embeddingModelName(cfg config.Config) string {
	switch cfg.Embedding.Provider {
	case "ollama":
		return ollamaModel(cfg)
	case "local":
		return embedding.CodecLocal
	}
	return cfg.Embedding.Model
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "studychat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("studychat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("studychat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	kv, closeKV, err := openKV(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}
	defer closeKV()

	gen := proxy.NewClient(proxy.Config{
		APIKey:         cfg.Generation.APIKey,
		BaseURL:        cfg.Generation.BaseURL,
		Model:          cfg.Generation.Model,
		EmbeddingModel: cfg.Embedding.Model,
	})
	remote, err := newEmbedder(ctx, cfg, gen)
	if err != nil {
		return err
	}
	local := embedding.NewLocal(cfg.Embedding.LocalDimensions)

	// Guidelines share one vector space, so they never mix in hash vectors.
	var guidelineCodec embedding.Codec = local
	if remote != nil {
		guidelineCodec = remote
	}

	tracker := quota.NewTracker(kv, quota.Config{
		Limit:  cfg.Quota.Limit,
		Window: cfg.Quota.Window,
		Atomic: cfg.Quota.Atomic,
	})
	cache, err := semcache.New(kv, embedding.NewChain(remote, local), semcache.Config{
		LocalThreshold:  cfg.Cache.LocalThreshold,
		RemoteThreshold: cfg.Cache.RemoteThreshold,
		MaxAge:          time.Duration(cfg.Cache.MaxAgeDays) * 24 * time.Hour,
		MinHits:         cfg.Cache.MinHits,
		MemoSize:        cfg.Cache.MemoSize,
	})
	if err != nil {
		return err
	}
	gl := guidelines.New(kv, guidelineCodec, guidelines.Config{
		Threshold: cfg.Guidelines.Threshold,
		Model:     embeddingModelName(cfg),
	})
	go func() {
		if _, err := gl.BuildIndex(ctx, false); err != nil {
			slog.Warn("initial guidelines index build failed", "error", err)
		}
	}()

	svc := chat.NewService(kv, tracker, cache, gl,
		composer.New(cfg.Composer.MaxDocumentChars, 0),
		gen, store, cfg.Guidelines.TopK)

	handler := api.NewHandler(api.Deps{
		Chat:       svc,
		Quota:      tracker,
		Cache:      cache,
		Guidelines: gl,
		Jobs:       store,
		Uploads:    extract.Limits{MaxBytes: int64(cfg.Upload.MaxBytes)},
		Token:      apiToken,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := maintenance.NewWorker(store, cache, gl, time.Second)
	go worker.Run(ctx)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Guidelines: gl,
			Quota:      tracker,
			Cache:      cache,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("studychat listening",
			"addr", addr,
			"storage", cfg.Storage.Backend,
			"embedding", cfg.Embedding.Provider,
			"model", gen.Model(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("studychat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop studychat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to studychat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Partial status is still useful when config is incomplete.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Backend)
	printStatus("Generation model", "%s", cfg.Generation.Model)
	printStatus("Embedding", "%s (%s)", cfg.Embedding.Provider, embeddingModelName(cfg))

	if cfg.Embedding.Provider == "ollama" {
		oc := ollama.New(cfg.Ollama.BaseURL, ollamaModel(cfg))
		if oc.IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}
	}

	if running {
		if client, err := newAPIClient(); err == nil {
			var st guidelines.Status
			if resp, err := client.get(ctx, "/admin/guidelines/status"); err == nil && decodeJSON(resp, &st) == nil {
				printStatus("Guidelines", "%d indexed (loaded: %t)", st.Count, st.Loaded)
			}
			var records []quotaRecord
			if resp, err := client.get(ctx, "/admin/quotas"); err == nil && decodeJSON(resp, &records) == nil {
				printStatus("Tracked users", "%d", len(records))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
