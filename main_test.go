package main

import (
	"bytes"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunAnalyze() error            { m.called["RunAnalyze"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Analyze",
			args:           []string{"--analyze", "--config", "/etc/trnquality/config.yaml", "--metric", "worst-case"},
			expectedCalled: "RunAnalyze",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "/etc/trnquality/config.yaml" {
					t.Errorf("expected ConfigFile /etc/trnquality/config.yaml, got %s", opts.ConfigFile)
				}
				if opts.Metric != "worst-case" {
					t.Errorf("expected Metric worst-case, got %s", opts.Metric)
				}
				if !opts.Analyze {
					t.Error("expected Analyze true")
				}
			},
		},
		{
			name:           "OutputInfersFormat",
			args:           []string{"--analyze", "--output", "out/quality.PNG"},
			expectedCalled: "RunAnalyze",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.OutputFile != "out/quality.PNG" {
					t.Errorf("expected OutputFile out/quality.PNG, got %s", opts.OutputFile)
				}
				if opts.Format != "png" {
					t.Errorf("expected Format png, got %s", opts.Format)
				}
			},
		},
		{
			name:           "ExplicitFormat",
			args:           []string{"--analyze", "--output", "quality", "--format", "ALL"},
			expectedCalled: "RunAnalyze",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Format != "all" {
					t.Errorf("expected Format all, got %s", opts.Format)
				}
			},
		},
		{
			name:           "HTTPService",
			args:           []string{"--http", "--http-port", "9090", "--summary-cache", "summary.json"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode || opts.MqttMode {
					t.Errorf("expected HTTP only, got http=%v mqtt=%v", opts.HttpMode, opts.MqttMode)
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.SummaryCache != "summary.json" {
					t.Errorf("expected SummaryCache summary.json, got %s", opts.SummaryCache)
				}
			},
		},
		{
			name:           "MQTTService",
			args:           []string{"--mqtt"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.ConfigFile != "config.yaml" {
					t.Errorf("expected default ConfigFile config.yaml, got %s", opts.ConfigFile)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(tt.args, &out, app); err != nil {
				t.Fatalf("run returned error: %v", err)
			}
			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called, called: %v", tt.expectedCalled, app.called)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one action, called: %v", app.called)
			}
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
			if !strings.Contains(out.String(), "trnquality version: ") {
				t.Errorf("expected version banner, got %q", out.String())
			}
		})
	}
}

func TestRun_NoMode(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(nil, &out, app); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if len(app.called) != 0 {
		t.Errorf("expected no action, called: %v", app.called)
	}
	if !strings.Contains(out.String(), "Use -analyze") {
		t.Errorf("expected usage hints, got %q", out.String())
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, newMockApp())
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of trnquality") {
		t.Errorf("expected usage text, got %q", out.String())
	}
	if !strings.Contains(out.String(), "-metric") {
		t.Errorf("expected -metric in usage, got %q", out.String())
	}
}

func TestRun_Errors(t *testing.T) {
	app := newMockApp()
	if err := run([]string{"--format", "tiff"}, &bytes.Buffer{}, app); err == nil {
		t.Error("expected error for unknown format")
	}
	if len(app.called) != 0 {
		t.Errorf("no action should run after a flag error, called: %v", app.called)
	}

	if err := run([]string{"--no-such-flag"}, &bytes.Buffer{}, newMockApp()); err == nil {
		t.Error("expected error for unknown flag")
	}

	failing := newMockApp()
	failing.err = errors.New("boom")
	if err := run([]string{"--analyze"}, &bytes.Buffer{}, failing); err == nil || err.Error() != "boom" {
		t.Errorf("expected runner error to propagate, got %v", err)
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]string{
		"quality.asc":     "asc",
		"quality.png":     "png",
		"map.SVG":         "svg",
		"quality":         "asc",
		"dir.png/quality": "asc",
	}
	for path, want := range tests {
		if got := formatFromPath(path); got != want {
			t.Errorf("formatFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
