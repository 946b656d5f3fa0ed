package quality

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
landmarks:
  file: landmarks.geojson
visibility:
  dir: viewsheds
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultPointingAccuracy, cfg.Analysis.PointingAccuracy)
	assert.InDelta(t, 1.75e-3, cfg.Analysis.PointingNoise(), 1e-15)
	assert.Equal(t, MetricGDOP, cfg.Analysis.Metric)
	assert.Equal(t, float64(DefaultNoData), cfg.Analysis.NoData)
	assert.Equal(t, DefaultEpsilon, cfg.Analysis.Epsilon)
	assert.Equal(t, DefaultDeterminantFloor, cfg.Analysis.DeterminantFloor)
	assert.Equal(t, 0, cfg.Analysis.Workers)
	assert.Equal(t, DefaultVisibilityPattern, cfg.Visibility.Pattern)
	assert.Nil(t, cfg.Visibility.Service)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)

	m, err := cfg.Grid.Transform()
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestParseConfig_Full(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
analysis:
  pointingAccuracy: 0.5
  metric: worst-case
  noData: -1
  workers: 2
grid:
  geoTransform: [500000, 30, 0, 4100000, 0, -30]
landmarks:
  file: /data/landmarks.geojson
visibility:
  service:
    url: http://viewshed:8000/viewshed
    radius: 5000
    timeout: 45s
output:
  quality: out/quality.asc
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: site-a
http:
  port: 9090
`))
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Analysis.PointingAccuracy)
	assert.Equal(t, MetricWorstCase, cfg.Analysis.Metric)
	assert.Equal(t, -1.0, cfg.Analysis.NoData)
	assert.Equal(t, 2, cfg.Analysis.Workers)

	require.NotNil(t, cfg.Visibility.Service)
	svc := cfg.Visibility.Service
	assert.Equal(t, "http://viewshed:8000/viewshed", svc.URL)
	assert.Equal(t, 5000.0, svc.Radius)
	assert.Equal(t, DefaultLandmarkHeight, svc.ObserverHeight)
	assert.Equal(t, DefaultRobotHeight, svc.TargetHeight)
	assert.Equal(t, 45*time.Second, svc.Timeout)

	m, err := cfg.Grid.Transform()
	require.NoError(t, err)
	assert.Equal(t, AffineMatrix{A: 30, Tx: 500000, D: -30, Ty: 4100000}, *m)

	assert.Equal(t, "site-a", cfg.MQTT.PublishPrefix)
	assert.Equal(t, 9090, cfg.HTTP.Port)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := NewConfig()
		c.Landmarks = LandmarksConfig{File: "landmarks.geojson"}
		c.Visibility = VisibilityConfig{Dir: "viewsheds"}
		c.ApplyDefaults()
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative accuracy", func(c *Config) { c.Analysis.PointingAccuracy = -1 }},
		{"unknown metric", func(c *Config) { c.Analysis.Metric = Metric(9) }},
		{"zero accuracy", func(c *Config) { c.Analysis.PointingAccuracy = 0 }},
		{"negative epsilon", func(c *Config) { c.Analysis.Epsilon = -0.01 }},
		{"zero epsilon", func(c *Config) { c.Analysis.Epsilon = 0 }},
		{"zero determinant floor", func(c *Config) { c.Analysis.DeterminantFloor = 0 }},
		{"negative determinant floor", func(c *Config) { c.Analysis.DeterminantFloor = -1 }},
		{"negative workers", func(c *Config) { c.Analysis.Workers = -2 }},
		{"no landmarks file", func(c *Config) { c.Landmarks.File = "" }},
		{"no visibility source", func(c *Config) { c.Visibility.Dir = "" }},
		{"service without url", func(c *Config) { c.Visibility.Service = &ViewshedServiceConfig{} }},
		{"short geotransform", func(c *Config) { c.Grid.GeoTransform = []float64{1, 2, 3} }},
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := valid()
	c.Analysis.Metric = Metric(9)
	assert.True(t, errors.Is(c.Validate(), ErrUnknownMetric))
}

func TestParseConfig_ExplicitZeros(t *testing.T) {
	base := "landmarks:\n  file: a.geojson\nvisibility:\n  dir: v\n"

	cfg, err := ParseConfig([]byte(base + "analysis:\n  noData: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Analysis.NoData, "zero is a valid no-data sentinel")
	assert.Equal(t, DefaultEpsilon, cfg.Analysis.Epsilon)

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"epsilon", "analysis:\n  epsilon: 0\n", "analysis.epsilon"},
		{"determinant floor", "analysis:\n  determinantFloor: 0\n", "analysis.determinantFloor"},
		{"pointing accuracy", "analysis:\n  pointingAccuracy: 0\n", "analysis.pointingAccuracy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(base + tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseConfig_Errors(t *testing.T) {
	_, err := ParseConfig([]byte("analysis: [unclosed"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("landmarks:\n  file: a.geojson\nvisibility:\n  dir: v\nanalysis:\n  metric: median\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("visibility:\n  dir: v\n"))
	assert.ErrorContains(t, err, "landmarks.file")
}

func TestConfig_ResolvePaths(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "landmarks.geojson")
	c := &Config{
		Landmarks:  LandmarksConfig{File: abs},
		Visibility: VisibilityConfig{Dir: "viewsheds"},
		Output:     OutputConfig{Quality: "out/quality.asc", SVG: "map.svg"},
	}
	c.ResolvePaths("/etc/trnquality")

	assert.Equal(t, abs, c.Landmarks.File)
	assert.Equal(t, filepath.Join("/etc/trnquality", "viewsheds"), c.Visibility.Dir)
	assert.Equal(t, filepath.Join("/etc/trnquality", "out/quality.asc"), c.Output.Quality)
	assert.Equal(t, filepath.Join("/etc/trnquality", "map.svg"), c.Output.SVG)
	assert.Empty(t, c.Output.PNG)
	assert.Empty(t, c.Output.FIMDir)
}

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	orig := NewConfig()
	orig.Analysis.PointingAccuracy = 2
	orig.Analysis.Metric = MetricWorstCase
	orig.Analysis.NoData = 0
	orig.Landmarks = LandmarksConfig{File: "landmarks.geojson"}
	orig.Visibility = VisibilityConfig{Service: &ViewshedServiceConfig{URL: "http://localhost:8000", Timeout: time.Minute}}
	orig.Output = OutputConfig{PNG: "quality.png"}
	orig.ApplyDefaults()
	require.NoError(t, SaveConfig(path, orig))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(orig, loaded); diff != "" {
		t.Errorf("config round trip mismatch (-saved +loaded):\n%s", diff)
	}

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")

	require.NoError(t, os.WriteFile(path, []byte("landmarks: {}\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
