package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/storyd/internal/api"
	"github.com/kalambet/storyd/internal/audio"
	"github.com/kalambet/storyd/internal/config"
	"github.com/kalambet/storyd/internal/engine"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate a story and print it as it arrives",
	Long: `Start a background generation job on the server and poll it,
printing new text as it is produced.

Examples:
  storyd generate "a lighthouse keeper who collects storms"
  storyd generate --interval 1s "a fox who learns to knit"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		interval, _ := cmd.Flags().GetDuration("interval")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return generateStory(ctx, client, prompt, interval, stdout)
	},
}

func init() {
	generateCmd.Flags().Duration("interval", 500*time.Millisecond, "poll interval")
}

type chunkResponse struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}

// generateStory starts a job for prompt and polls it until it finishes,
// writing each newly generated piece of text to w. The job text only grows,
// so whatever is past the already printed prefix is new.
func generateStory(ctx context.Context, client *apiClient, prompt string, interval time.Duration, w io.Writer) error {
	resp, err := client.post(ctx, "/start_story_generation", map[string]any{
		"messages": []engine.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return err
	}
	var started struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &started); err != nil {
		return err
	}

	printed := 0
	for {
		resp, err := client.get(ctx, "/get_story_chunk/"+url.PathEscape(started.JobID))
		if err != nil {
			return err
		}
		var chunk chunkResponse
		if err := decodeJSON(resp, &chunk); err != nil {
			return err
		}

		if len(chunk.Text) > printed {
			fmt.Fprint(w, chunk.Text[printed:])
			printed = len(chunk.Text)
		}

		switch chunk.Status {
		case "complete":
			fmt.Fprintln(w)
			return nil
		case "error":
			fmt.Fprintln(w)
			return fmt.Errorf("generation %s failed", started.JobID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// --- stories ---

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List and read saved stories",
}

var storiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved stories, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/list_stories")
		if err != nil {
			return err
		}

		var body struct {
			Stories []struct {
				Title     string `json:"title"`
				Filename  string `json:"filename"`
				Timestamp string `json:"timestamp"`
			} `json:"stories"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Stories) == 0 {
			fmt.Fprintln(stdout, "No stories saved.")
			return nil
		}

		for _, s := range body.Stories {
			fmt.Fprintf(stdout, "%s  %s  %s\n",
				colorize(colorCyan, s.Timestamp),
				colorize(colorBold, s.Title),
				s.Filename,
			)
		}
		return nil
	},
}

var storiesShowCmd = &cobra.Command{
	Use:   "show <filename>",
	Short: "Print a saved story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/load_story/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var story struct {
			Title     string `json:"title"`
			Timestamp string `json:"timestamp"`
			Story     string `json:"story"`
		}
		if err := decodeJSON(resp, &story); err != nil {
			return err
		}

		fmt.Fprintf(stdout, "%s\n%s\n\n%s\n", colorize(colorBold, story.Title), story.Timestamp, story.Story)
		return nil
	},
}

func init() {
	storiesCmd.AddCommand(storiesListCmd)
	storiesCmd.AddCommand(storiesShowCmd)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently finished generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return printHistory(cmd.Context(), client, limit, status)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of generations to list")
	historyCmd.Flags().String("status", "", "only show generations with this status (complete or error)")
}

func printHistory(ctx context.Context, client *apiClient, limit int, status string) error {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if status != "" {
		q.Set("status", status)
	}

	resp, err := client.get(ctx, "/generations?"+q.Encode())
	if err != nil {
		return err
	}

	var body struct {
		Generations []struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			Prompt     string `json:"prompt"`
			Error      string `json:"error"`
			FinishedAt string `json:"finished_at"`
			DurationMS int64  `json:"duration_ms"`
		} `json:"generations"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}

	if len(body.Generations) == 0 {
		fmt.Fprintln(stdout, "No generations found.")
		return nil
	}

	for _, g := range body.Generations {
		id := g.ID
		if len(id) > 8 {
			id = id[:8]
		}
		prompt := g.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:60] + "..."
		}
		statusColor := colorGreen
		if g.Status != "complete" {
			statusColor = colorRed
		}
		fmt.Fprintf(stdout, "%s  %s  %-8s %6dms  %s\n",
			colorize(colorCyan, id),
			g.FinishedAt,
			colorize(statusColor, g.Status),
			g.DurationMS,
			prompt,
		)
	}
	return nil
}

// --- speak ---

var speakCmd = &cobra.Command{
	Use:   "speak <text>",
	Short: "Synthesize text and save the raw audio stream",
	Long: `Synthesize text through the server and write the stream to a file.
The file holds the "SR:<rate>" header line followed by float32
little-endian mono samples, exactly as served by /tts_stream.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		voice, _ := cmd.Flags().GetString("voice")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()

		rate, n, err := speak(cmd.Context(), client, strings.Join(args, " "), voice, f)
		if err != nil {
			return err
		}
		printSuccess("Wrote %d samples at %d Hz (%.1fs) to %s", n, rate, float64(n)/float64(rate), output)
		return nil
	},
}

func init() {
	speakCmd.Flags().StringP("output", "o", "speech.f32", "output file")
	speakCmd.Flags().String("voice", "", "voice name (default: server default)")
}

// speak streams synthesized audio into w and returns the sample rate and
// sample count decoded from it.
func speak(ctx context.Context, client *apiClient, text, voice string, w io.Writer) (int, int, error) {
	resp, err := client.stream(ctx, http.MethodPost, "/tts_stream", map[string]string{
		"text":  text,
		"voice": voice,
	})
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, 0, responseError(resp)
	}

	rate, samples, err := audio.Decode(io.TeeReader(resp.Body, w))
	if err != nil {
		return 0, 0, fmt.Errorf("reading audio stream: %w", err)
	}
	return rate, len(samples), nil
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve story generation as MCP tools over stdio",
	Long: `Run an MCP server on stdin/stdout. Generation jobs run inside this
process against the configured backend; logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		core, err := newGenerationCore(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer core.Close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:    core.ctrl,
			Stories: core.stories,
			History: core.history,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the platform config store.\n\nValid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
