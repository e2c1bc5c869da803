package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

	"github.com/spf13/cobra"

	"github.com/kalambet/storyd/internal/api"
	"github.com/kalambet/storyd/internal/audio"
	"github.com/kalambet/storyd/internal/config"
	"github.com/kalambet/storyd/internal/engine"
	"github.com/kalambet/storyd/internal/jobs"
	"github.com/kalambet/storyd/internal/notify"
	"github.com/kalambet/storyd/internal/speech"
	"github.com/kalambet/storyd/internal/storage"
	"github.com/kalambet/storyd/internal/stories"
)

const (
	shutdownTimeout = 5 * time.Second
	probeTimeout    = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the storyd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storyd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storyd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storyd.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// generationCore is the job machinery shared by the HTTP server and the
// stdio MCP server.
type generationCore struct {
	engine  engine.Engine
	history *storage.Store
	stories *stories.Store
	jobs    *jobs.Store
	sup     *jobs.Supervisor
	ctrl    *jobs.Controller

	stopJobs  context.CancelFunc
	publisher *notify.Publisher
}

// newGenerationCore detects the backend, opens the history database and
// story directory, and wires the job components. Jobs run on their own
// context so an interrupted request never cancels a generation.
func newGenerationCore(ctx context.Context, cfg config.Config, progress io.Writer) (*generationCore, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Backend:        cfg.Generation.Backend,
		OllamaBaseURL:  cfg.Ollama.BaseURL,
		OpenAIBaseURL:  cfg.OpenAI.BaseURL,
		OpenAIAPIKey:   cfg.OpenAI.APIKey,
		Timeout:        cfg.Generation.Timeout,
		ConnectTimeout: cfg.Generation.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting generation backend: %w", err)
	}

	if cfg.Generation.Backend == config.BackendOllama && cfg.Ollama.PullOnStart {
		if err := engine.EnsureReady(ctx, eng, cfg.Generation.Model, progress); err != nil {
			return nil, err
		}
	} else if !eng.IsRunning(ctx) {
		slog.Warn("generation backend not reachable, jobs will fail until it is", "backend", cfg.Generation.Backend)
	}

	history, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	slog.Info("generation history opened", append([]any{"dir", cfg.Storage.DataDir}, historyAttrs(history)...)...)

	storyStore, err := stories.NewStore(cfg.Stories.Dir)
	if err != nil {
		history.Close()
		return nil, err
	}

	core := &generationCore{engine: eng, history: history, stories: storyStore}

	notifiers := []jobs.Notifier{jobs.NotifierFunc(func(ctx context.Context, res jobs.Result) error {
		return history.SaveGeneration(ctx, generationFromResult(res))
	})}
	if cfg.NATS.URL != "" {
		pub, err := notify.Connect(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			slog.Warn("generation events disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			core.publisher = pub
			notifiers = append(notifiers, pub)
			slog.Info("publishing generation events", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
		}
	}

	jobCtx, stopJobs := context.WithCancel(context.Background())
	core.stopJobs = stopJobs
	core.jobs = jobs.NewStore()
	core.sup = jobs.NewSupervisor(jobCtx)
	runner := jobs.NewRunner(core.jobs, eng, cfg.Generation.Model, notifiers...)
	core.ctrl = jobs.NewController(core.jobs, runner, core.sup)

	go func() {
		for f := range core.sup.Failures() {
			slog.Warn("generation job failed", "job_id", f.ID, "error", f.Err)
		}
	}()

	if cfg.Generation.JobTTL > 0 {
		go jobs.NewSweeper(core.jobs, cfg.Generation.JobTTL, cfg.Generation.SweepInterval).Run(jobCtx)
	}

	return core, nil
}

// Close cancels running jobs, waits for them to record their final status
// and releases the history database and NATS connection.
func (c *generationCore) Close() {
	c.stopJobs()
	c.sup.Wait()
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			slog.Warn("closing nats connection", "error", err)
		}
	}
	if err := c.history.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// historyAttrs summarizes the history database as log attributes: the
// schema version and the number of archived generations per status.
func historyAttrs(h *storage.Store) []any {
	var attrs []any
	if versions, err := h.AppliedMigrations(); err == nil && len(versions) > 0 {
		attrs = append(attrs, "schema_version", versions[len(versions)-1])
	}
	if counts, err := h.CountGenerations(); err == nil {
		attrs = append(attrs, "complete", counts["complete"], "error", counts["error"])
	}
	return attrs
}

func generationFromResult(res jobs.Result) storage.Generation {
	return storage.Generation{
		ID:         res.ID,
		Model:      res.Model,
		Prompt:     res.Prompt,
		Text:       res.Text,
		Status:     string(res.Status),
		Error:      res.Error,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		DurationMS: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
}

// dialSpeech probes the speech sidecars. An engine that fails its probe is
// left nil and its routes answer 503.
func dialSpeech(ctx context.Context, cfg config.Config) (speech.Synthesizer, speech.Transcriber) {
	var (
		synth speech.Synthesizer
		trans speech.Transcriber
	)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if k, err := speech.DialKokoro(probeCtx, cfg.TTS.BaseURL, cfg.TTS.BatchSamples); err != nil {
		slog.Warn("speech synthesis unavailable", "url", cfg.TTS.BaseURL, "error", err)
	} else {
		synth = k
		slog.Info("speech synthesis ready", "url", cfg.TTS.BaseURL, "voice", cfg.TTS.DefaultVoice)
	}

	if w, err := speech.DialWhisper(probeCtx, cfg.STT.BaseURL); err != nil {
		slog.Warn("speech recognition unavailable", "url", cfg.STT.BaseURL, "error", err)
	} else {
		trans = w
		slog.Info("speech recognition ready", "url", cfg.STT.BaseURL)
	}

	return synth, trans
}

func runServer() error {
	fmt.Fprintf(stderr, "storyd version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("storyd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("storyd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := newGenerationCore(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer core.Close()

	printStep("Probing speech engines")
	synth, trans := dialSpeech(ctx, cfg)

	handler := api.NewHandler(api.Deps{
		Jobs:        core.ctrl,
		Generator:   core.engine,
		Model:       cfg.Generation.Model,
		Encoder:     audio.NewEncoder(synth, cfg.TTS.DefaultVoice),
		Transcriber: trans,
		Stories:     core.stories,
		History:     core.history,
		StaticDir:   cfg.Server.StaticDir,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("storyd listening", "addr", addr, "backend", cfg.Generation.Backend, "model", cfg.Generation.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	if n := core.ctrl.Active(); n > 0 {
		slog.Info("cancelling running jobs", "count", n)
	}
	return nil
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("storyd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop storyd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to storyd (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status     string `json:"status"`
	ActiveJobs int    `json:"active_jobs"`
	TTS        bool   `json:"tts"`
	STT        bool   `json:"stt"`
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	base := serverURL(cfg)
	client := &apiClient{baseURL: base, httpClient: &http.Client{Timeout: 2 * time.Second}}
	ctx := context.Background()

	var health healthReport
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		running = true
		printStatus("Server", "running at %s", base)
		printStatus("Active jobs", "%d", health.ActiveJobs)
		printStatus("Synthesis", "%s", availability(health.TTS))
		printStatus("Recognition", "%s", availability(health.STT))
	}

	printStatus("Backend", "%s", cfg.Generation.Backend)
	printStatus("Model", "%s", cfg.Generation.Model)
	if cfg.Generation.Backend == config.BackendOllama {
		ollamaResp, err := client.httpClient.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	if running {
		const limit = 200
		resp, err := client.get(ctx, fmt.Sprintf("/generations?limit=%d", limit))
		if err == nil {
			var body struct {
				Generations []json.RawMessage `json:"generations"`
			}
			if decodeJSON(resp, &body) == nil {
				printStatus("Generations", "%s", countLabel(len(body.Generations), limit))
			}
		}
	}

	printStatus("Stories dir", "%s", cfg.Stories.Dir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
