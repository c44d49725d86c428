package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/voxlog/voxlog/internal/api"
	"github.com/voxlog/voxlog/internal/capture"
	"github.com/voxlog/voxlog/internal/config"
	"github.com/voxlog/voxlog/internal/levelmeter"
	"github.com/voxlog/voxlog/internal/session"
	"github.com/voxlog/voxlog/internal/storage"
	"github.com/voxlog/voxlog/internal/transcription"
	"github.com/voxlog/voxlog/internal/uploader"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the voxlog daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running voxlog daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and recording status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "voxlog.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "voxlog version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.APIToken(cfg.Storage.DataDir, func() string { return uuid.New().String() })
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	clientID, err := config.ClientID(cfg.Storage.DataDir, func() string { return uuid.New().String() })
	if err != nil {
		return fmt.Errorf("initializing client id: %w", err)
	}

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("voxlog is already running (PID %d)", pid)
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		printWarning("voxlog is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("daemon already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the segment store. Recording without durable persistence would
	// silently lose segments on reload, so a storage failure aborts startup.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Assemble the pipeline: capture source, meter, transcription bridge,
	// upload coordinator, session facade.
	source := &capture.PipeWireSource{Command: cfg.Capture.Command, Target: cfg.Capture.Target}
	meter := levelmeter.New()
	bridge := transcription.NewBridge(store)
	uploadClient := uploader.NewClient(cfg.Upload.CredentialURL, uploader.StaticToken(cfg.Upload.Token), clientID)
	coordinator := uploader.New(store, uploadClient, uploadClient, bridge)

	segmentDuration := time.Duration(cfg.Capture.SegmentSeconds * float64(time.Second))
	sess, err := session.New(ctx, store, source, coordinator, meter, segmentDuration, clientID)
	if err != nil {
		return err
	}

	// Re-queue whatever the previous run left pending or failed.
	if err := coordinator.Rebuild(ctx); err != nil {
		slog.Warn("rebuilding upload queue", "error", err)
	}

	handler := api.NewHandler(sess, apiToken)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("voxlog listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// MCP server (stdio transport).
	mcpSrv := api.NewMCPServer(sess)
	g.Go(func() error {
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")

	// Transcription notification channel, if configured.
	if cfg.Upload.NotifyURL != "" {
		listener := transcription.NewListener(cfg.Upload.NotifyURL, "", bridge)
		g.Go(func() error {
			listener.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		if sess != nil {
			if err := sess.StopRecording(); err != nil && err != capture.ErrNotRecording {
				slog.Warn("stopping recorder during shutdown", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
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
		printError("voxlog is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop voxlog (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to voxlog (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := healthClient.Get(serverURL + "/health")
	if err != nil {
		printStatus("Daemon", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Daemon", "running on port %d", cfg.Server.Port)

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	stResp, err := client.get("/recorder")
	if err != nil {
		return err
	}
	var st struct {
		State           string  `json:"state"`
		SegmentDuration float64 `json:"segmentDurationSeconds"`
		LevelDB         float64 `json:"levelDb"`
		HasFailed       bool    `json:"hasFailedUploads"`
		SegmentCount    int     `json:"segmentCount"`
		StorageDegraded bool    `json:"storageDegraded"`
	}
	if err := decodeJSON(stResp, &st); err != nil {
		return err
	}

	printStatus("Recorder", "%s", st.State)
	printStatus("Segment length", "%.0fs", st.SegmentDuration)
	printStatus("Input level", "%.1f dB [%s]", st.LevelDB, levelBar(st.LevelDB))
	printStatus("Segments", "%d", st.SegmentCount)
	if st.HasFailed {
		printWarning("Some segments are not uploaded; run 'voxlog retry-all'")
	}
	if st.StorageDegraded {
		printWarning("Local storage reported errors; recent segments may be missing")
	}
	return nil
}
