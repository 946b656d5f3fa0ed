package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile   string
	Analyze      bool
	MqttMode     bool
	HttpMode     bool
	HttpPort     int // 0 = http.port from config
	OutputFile   string
	Format       string // asc, png, svg or all; empty = outputs from config
	Metric       string // empty = analysis.metric from config
	SummaryCache string
}

// Runner is the behaviour main dispatches to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunAnalyze() error
	RunService() error
}

// run parses args and dispatches to app. Usage and help go to out.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("trnquality", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Analyze, "analyze", false, "Run one analysis, write outputs, print the summary and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results to MQTT and accept analyze commands")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve results over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default: http.port from config, 8080)")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file; with -format all, the extension is replaced per format")
	fs.StringVar(&opts.Format, "format", "", "Output format: asc, png, svg or all (default: outputs from config)")
	fs.StringVar(&opts.Metric, "metric", "", "Quality metric: gdop or worst-case (default: from config)")
	fs.StringVar(&opts.SummaryCache, "summary-cache", "", "Write each run's summary JSON to this file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "trnquality version: %s\n", Version)

	switch strings.ToLower(opts.Format) {
	case "", "asc", "png", "svg", "all":
		opts.Format = strings.ToLower(opts.Format)
	default:
		return fmt.Errorf("unknown -format %q (want asc, png, svg or all)", opts.Format)
	}
	if opts.OutputFile != "" && opts.Format == "" {
		opts.Format = formatFromPath(opts.OutputFile)
	}

	app.ApplyOptions(opts)

	if opts.Analyze {
		return app.RunAnalyze()
	}
	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}

	fmt.Fprintln(out, "Bearing-only localization quality analysis")
	fmt.Fprintln(out, "Use -analyze to compute the quality raster once")
	fmt.Fprintln(out, "Use -http to serve results over HTTP")
	fmt.Fprintln(out, "Use -mqtt to publish results and accept analyze commands")
	fmt.Fprintln(out, "Use -mqtt -http to run both together")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - landmarks, visibility rasters, analysis parameters")
	return nil
}

// formatFromPath guesses the output format from a file extension
func formatFromPath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "png"
	case strings.HasSuffix(lower, ".svg"):
		return "svg"
	default:
		return "asc"
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Error: %v", err)
	}
}
