package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/trnquality/quality"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *quality.Config
	Store      *quality.ResultStore
	MQTTClient *quality.MQTTClient
	Publisher  *quality.Publisher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	OutputFile   string
	Format       string
	Metric       string
	SummaryCache string
	HttpPort     int
	MqttMode     bool
	HttpMode     bool

	ctx context.Context
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Store: quality.NewResultStore(),
		Out:   os.Stdout,
		ctx:   context.Background(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.OutputFile = opts.OutputFile
	a.Format = opts.Format
	a.Metric = opts.Metric
	a.SummaryCache = opts.SummaryCache
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	if opts.SummaryCache != "" {
		a.Store = quality.NewResultStoreWithCache(opts.SummaryCache)
	}
}

// loadConfig reads the config file and applies the CLI overrides
func (a *App) loadConfig() error {
	config, err := quality.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	config.ResolvePaths(filepath.Dir(a.ConfigFile))

	if a.Metric != "" {
		m, err := quality.ParseMetric(a.Metric)
		if err != nil {
			return err
		}
		config.Analysis.Metric = m
	}

	out, err := resolveOutputs(config.Output, a.OutputFile, a.Format)
	if err != nil {
		return err
	}
	config.Output = out

	if a.HttpPort != 0 {
		config.HTTP.Port = a.HttpPort
	}

	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)
	return nil
}

// resolveOutputs applies -output and -format to the configured outputs.
// With -output, only the selected format is written to that path (all
// formats share its base name). With only -format, the configured outputs
// are filtered to that format.
func resolveOutputs(cfg quality.OutputConfig, output, format string) (quality.OutputConfig, error) {
	if output == "" && format == "" {
		return cfg, nil
	}

	if output == "" {
		out := quality.OutputConfig{FIMDir: cfg.FIMDir}
		switch format {
		case "asc":
			out.Quality = cfg.Quality
		case "png":
			out.PNG = cfg.PNG
		case "svg":
			out.SVG = cfg.SVG
		case "all":
			out = cfg
		default:
			return cfg, fmt.Errorf("unknown format %q", format)
		}
		return out, nil
	}

	out := quality.OutputConfig{FIMDir: cfg.FIMDir}
	base := strings.TrimSuffix(output, filepath.Ext(output))
	switch format {
	case "", "asc":
		out.Quality = output
	case "png":
		out.PNG = output
	case "svg":
		out.SVG = output
	case "all":
		out.Quality = base + ".asc"
		out.PNG = base + ".png"
		out.SVG = base + ".svg"
	default:
		return cfg, fmt.Errorf("unknown format %q", format)
	}
	return out, nil
}

// RunAnalyze runs a single analysis, writes the outputs and prints the summary
func (a *App) RunAnalyze() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	if err := a.Store.BeginRun(); err != nil {
		return err
	}
	r, err := a.runAnalysis(a.ctx, quality.AnalyzeCommand{})
	if err != nil {
		return err
	}

	printSummary(a.Out, r)
	return nil
}

// runAnalysis runs one analysis after a successful BeginRun, then writes
// outputs and publishes the result
func (a *App) runAnalysis(ctx context.Context, cmd quality.AnalyzeCommand) (*quality.Result, error) {
	opts := quality.AnalyzeOptions{
		Metric:           cmd.Metric,
		PointingAccuracy: cmd.PointingAccuracy,
		Progress: func(done, total int) {
			a.Store.Progress(done, total)
			log.Printf("Visibility rasters: %d/%d", done, total)
		},
	}

	r, err := quality.Analyze(ctx, a.Config, opts)
	a.Store.EndRun(r, err)
	if err != nil {
		return nil, err
	}

	if err := quality.WriteOutputs(r, a.Config.Output); err != nil {
		return r, err
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(r); err != nil {
			log.Printf("Error publishing result %s: %v", r.ID, err)
		}
	}
	return r, nil
}

// startAnalysis begins a background run; it fails fast if one is running
func (a *App) startAnalysis(cmd quality.AnalyzeCommand) error {
	if err := a.Store.BeginRun(); err != nil {
		return err
	}
	if cmd.RequestID != "" {
		log.Printf("Starting analysis (request %s)", cmd.RequestID)
	} else {
		log.Println("Starting analysis")
	}

	go func() {
		if _, err := a.runAnalysis(a.ctx, cmd); err != nil {
			log.Printf("Analysis failed: %v", err)
		}
	}()
	return nil
}

// RunService runs an initial analysis, then serves HTTP and/or MQTT until
// interrupted
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting trnquality service...")

	if err := a.loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.ctx = ctx

	if a.MqttMode {
		mqttClient, err := quality.InitMQTT(a.Config, func(cmd quality.AnalyzeCommand) {
			if err := a.startAnalysis(cmd); err != nil {
				log.Printf("Ignoring analyze command: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = mqttClient
		a.Publisher = quality.NewPublisher(mqttClient.GetClient(), quality.ResolvePublishPrefix(&a.Config.MQTT))
		fmt.Fprintln(a.Out, "MQTT result publisher initialized")
	}

	// Initial analysis; a failure is reported but the service stays up
	if err := a.startAnalysis(quality.AnalyzeCommand{}); err != nil {
		log.Printf("Warning: initial analysis not started: %v", err)
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.Config.HTTP.Port),
			Handler:           newHTTPServer(a.Store, a.startAnalysis),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	a.printServiceInfo()

	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")

	if a.MqttMode {
		prefix := quality.ResolvePublishPrefix(&a.Config.MQTT)
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintf(a.Out, "  Commands:    %s/cmd/analyze\n", prefix)
		fmt.Fprintf(a.Out, "  Summary:     %s/summary\n", prefix)
		fmt.Fprintf(a.Out, "  Landmarks:   %s/landmarks/{id}\n", prefix)
	}

	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
		fmt.Fprintln(a.Out, "  GET  /health            - Health check and run status")
		fmt.Fprintln(a.Out, "  GET  /quality.png       - Quality heatmap")
		fmt.Fprintln(a.Out, "  GET  /quality.svg       - Quality vector map")
		fmt.Fprintln(a.Out, "  GET  /summary           - Quality statistics")
		fmt.Fprintln(a.Out, "  GET  /cell?col=&row=    - Covariance and error ellipse of one cell")
		fmt.Fprintln(a.Out, "  GET  /landmarks.geojson - Landmarks with visibility counts")
		fmt.Fprintln(a.Out, "  POST /analyze           - Start a new analysis")
	}

	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

// printSummary writes a human-readable run summary
func printSummary(w io.Writer, r *quality.Result) {
	s := r.Summary
	fmt.Fprintf(w, "\n=== Analysis %s ===\n", r.ID)
	fmt.Fprintf(w, "Grid: %dx%d cells\n", r.Grid.Width, r.Grid.Height)
	fmt.Fprintf(w, "Landmarks: %d", len(r.Landmarks))
	if len(r.Outside) > 0 {
		fmt.Fprintf(w, " (%d outside the grid)", len(r.Outside))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Metric: %s, pointing noise %.4g rad\n", r.Metric.Label(), r.PointingNoise)
	fmt.Fprintf(w, "Coverage: %.1f%% (%d valid, %d no-data)\n", s.Coverage*100, s.ValidCells, s.NoDataCells)
	if s.ValidCells > 0 {
		fmt.Fprintf(w, "Min: %.4g  Median: %.4g  Mean: %.4g  P90: %.4g  Max: %.4g\n",
			s.Min, s.Median, s.Mean, s.P90, s.Max)
	}
	for i, lm := range r.Landmarks {
		fmt.Fprintf(w, "  [%d] %s at cell (%d, %d): visible from %d cells\n",
			i, lm.ID, r.Pixels[i].Col, r.Pixels[i].Row, r.VisibleCells[i])
	}
}
