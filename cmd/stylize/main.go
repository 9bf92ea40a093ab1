// cmd/stylize/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lumix-ai/stylize/internal/core"
	"github.com/lumix-ai/stylize/internal/evaluation"
	"github.com/lumix-ai/stylize/internal/history"
	"github.com/lumix-ai/stylize/internal/imageio"
	"github.com/lumix-ai/stylize/internal/monitoring"
	"github.com/lumix-ai/stylize/internal/progress"
	"github.com/lumix-ai/stylize/internal/transfer"
	"github.com/lumix-ai/stylize/internal/weights"
)

const defaultIterations = 1000

type options struct {
	content    string
	style      string
	output     string
	gpu        int
	configFile string
	iterations int
	weights    string
	history    string
	statusAddr string
	verbose    bool
}

func main() {
	setupLogger(false, LoggingConfig{})
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		log.Error().Err(err).Msg("Style transfer failed")
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "stylize --content <path> --style <path> --output <path>",
		Short:         "Repaint a content image in the style of another image",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, opts, config)
			if err := validateConfig(config); err != nil {
				return err
			}
			setupLogger(opts.verbose, config.Logging)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			setupSignalHandler(ctx, cancel)
			return run(ctx, opts, config, stdout)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.content, "content", "", "Content image path")
	f.StringVar(&opts.style, "style", "", "Style image path")
	f.StringVar(&opts.output, "output", "", "Output image path (.png, .jpg, .bmp, .tiff)")
	f.IntVar(&opts.gpu, "gpu", 0, "Device index")
	f.StringVar(&opts.configFile, "config", "", "Configuration file path")
	f.IntVar(&opts.iterations, "iterations", defaultIterations, "Optimizer iterations")
	f.StringVar(&opts.weights, "weights", "", "VGG19 weight directory or http(s) URL")
	f.StringVar(&opts.history, "history", "", "SQLite file recording runs and their losses")
	f.StringVar(&opts.statusAddr, "status-addr", "", "Serve /metrics and the /ws event stream on this address")
	f.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	for _, name := range []string{"content", "style", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// applyFlags lets explicitly set flags override the configuration file.
func applyFlags(cmd *cobra.Command, opts *options, config *Config) {
	if cmd.Flags().Changed("iterations") {
		config.Transfer.Iterations = opts.iterations
	}
	if opts.weights != "" {
		config.Weights.Location = opts.weights
	}
	if opts.history != "" {
		config.History.Enabled = true
		config.History.Path = opts.history
	}
	if opts.statusAddr != "" {
		config.Progress.StatusAddr = opts.statusAddr
	}
}

func setupLogger(verbose bool, config LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(config.Level)); err == nil && config.Level != "" {
		level = l
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = log.Output(output)
}

func setupSignalHandler(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-ctx.Done():
			return
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		}

		// the current iteration finishes before cancellation is seen
		select {
		case <-sigChan:
		case <-time.After(30 * time.Second):
		}
		log.Error().Msg("Force shutdown")
		os.Exit(1)
	}()
}

// components - everything a run needs besides the controller
type components struct {
	metrics  *monitoring.Metrics
	loader   *weights.Loader
	hub      *progress.Hub
	status   *statusServer
	summary  *evaluation.Summary
	store    *history.Store
	recorder *history.Recorder
	reporter progress.Multi
}

func setupComponents(ctx context.Context, opts *options, config *Config) (*components, error) {
	c := &components{
		metrics: monitoring.NewMetrics(),
		summary: evaluation.NewSummary(),
	}
	c.reporter = append(c.reporter, c.summary)

	if config.Progress.Bar && !opts.verbose {
		c.reporter = append(c.reporter, progress.NewBarReporter(os.Stderr))
	} else {
		c.reporter = append(c.reporter, progress.NewLogReporter())
	}

	if config.Progress.StatusAddr != "" {
		c.hub = progress.NewHub(config.Progress.ClientBuffer)
		c.reporter = append(c.reporter, c.hub)
		status, err := startStatusServer(config.Progress.StatusAddr, c.metrics, c.hub)
		if err != nil {
			c.shutdown()
			return nil, fmt.Errorf("failed to start status server: %w", err)
		}
		c.status = status
	}

	if config.History.Enabled {
		store, err := history.Open(config.History.Path)
		if err != nil {
			c.shutdown()
			return nil, err
		}
		c.store = store
		run, err := store.StartRun(ctx, history.Run{
			Content:    opts.content,
			Style:      opts.style,
			Output:     opts.output,
			Iterations: config.Transfer.Iterations,
			Optimizer:  config.Transfer.Optimizer.Kind,
			Device:     fmt.Sprintf("%s:%d", core.DeviceCPU, opts.gpu),
		})
		if err != nil {
			c.shutdown()
			return nil, err
		}
		c.recorder = history.NewRecorder(store, run.ID)
		c.reporter = append(c.reporter, c.recorder)
		log.Info().Str("run", run.ID).Str("path", config.History.Path).Msg("Recording run history")
	}

	loader, err := weights.NewLoader(config.Weights, weights.WithReporter(c.reporter))
	if err != nil {
		c.shutdown()
		return nil, fmt.Errorf("failed to create weight loader: %w", err)
	}
	c.loader = loader
	return c, nil
}

// fail records err for a run that ended before the controller could report
// it.
func (c *components) fail(err error) {
	if c.recorder != nil && !c.recorder.Finished() {
		c.recorder.Report(progress.Event{Stage: progress.StageFailed, Message: "Style transfer failed", Err: err.Error()})
	}
}

func (c *components) shutdown() {
	if c.loader != nil {
		c.loader.Close()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.status.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Status server shutdown failed")
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history")
		}
	}
}

func run(ctx context.Context, opts *options, config *Config, stdout io.Writer) (err error) {
	log.Info().
		Str("content", opts.content).
		Str("style", opts.style).
		Str("output", opts.output).
		Int("iterations", config.Transfer.Iterations).
		Msg("Starting Lumix Stylize")
	log.Info().
		Int("gpu", opts.gpu).
		Str("device", string(core.DeviceCPU)).
		Msg("Compute device")

	c, err := setupComponents(ctx, opts, config)
	if err != nil {
		return err
	}
	defer c.shutdown()
	defer func() {
		if err != nil {
			c.fail(err)
		}
	}()

	content, err := imageio.DecodeMax(opts.content, config.Image.MaxSide)
	if err != nil {
		return fmt.Errorf("content image: %w", err)
	}
	defer content.Dispose()
	style, err := imageio.DecodeMax(opts.style, config.Image.MaxSide)
	if err != nil {
		return fmt.Errorf("style image: %w", err)
	}
	defer style.Dispose()

	st, err := transfer.New(config.Transfer, c.loader,
		transfer.WithMetrics(c.metrics),
		transfer.WithReporter(c.reporter),
		transfer.WithResizeHook(func(historyLen int) {
			log.Debug().Int("history", historyLen).Msg("Optimizer history after resize")
		}))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Initialize(ctx); err != nil {
		return err
	}
	if err := st.SetStyle(opts.style, style); err != nil {
		return err
	}
	out, err := st.Process(ctx, content, config.Transfer.Iterations)
	if err != nil {
		return err
	}
	defer out.Dispose()

	if err := imageio.Encode(out, opts.output); err != nil {
		return err
	}
	log.Info().Str("output", opts.output).Msg("Stylized image written")

	if ev := c.summary.Evaluate(); ev != nil {
		ev.Palette = comparePalettes(style, out)
		ev.Render(stdout)
		if ev.Stalled() {
			log.Warn().Msg("Loss never dropped below its first value")
		}
	}
	return nil
}

func comparePalettes(style, out *core.Tensor) *evaluation.PaletteMatch {
	styleImg, err := imageio.ToImage(style)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping palette comparison")
		return nil
	}
	outImg, err := imageio.ToImage(out)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping palette comparison")
		return nil
	}
	return evaluation.ComparePalettes(styleImg, outImg, evaluation.DefaultPaletteSize)
}
