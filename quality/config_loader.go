package quality

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig to unset fields
const (
	DefaultPointingAccuracy = 1.75 // milliradians
	DefaultHTTPPort         = 8080
	DefaultViewshedRadius   = 10000.0
	DefaultLandmarkHeight   = 2.0
	DefaultRobotHeight      = 2.0
)

// LoadConfig loads the configuration from a YAML file, fills defaults and
// validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// NewConfig returns a config holding the analysis defaults. ParseConfig
// decodes over it, so an explicit zero (noData: 0, epsilon: 0) is kept
// and validated rather than replaced.
func NewConfig() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			PointingAccuracy: DefaultPointingAccuracy,
			NoData:           DefaultNoData,
			Epsilon:          DefaultEpsilon,
			DeterminantFloor: DefaultDeterminantFloor,
		},
	}
}

// ParseConfig decodes YAML configuration, fills defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	config := NewConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyDefaults fills zero-valued optional fields outside analysis, where
// zero never is a meaningful setting. Analysis defaults come from NewConfig.
func (c *Config) ApplyDefaults() {
	if c.Visibility.Pattern == "" {
		c.Visibility.Pattern = DefaultVisibilityPattern
	}
	if s := c.Visibility.Service; s != nil {
		if s.Radius == 0 {
			s.Radius = DefaultViewshedRadius
		}
		if s.ObserverHeight == 0 {
			s.ObserverHeight = DefaultLandmarkHeight
		}
		if s.TargetHeight == 0 {
			s.TargetHeight = DefaultRobotHeight
		}
		if s.Timeout == 0 {
			s.Timeout = DefaultFetchTimeout
		}
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
}

// Validate checks required fields and numeric ranges
func (c *Config) Validate() error {
	a := c.Analysis
	if !(a.PointingAccuracy > 0) || math.IsInf(a.PointingAccuracy, 0) {
		return fmt.Errorf("analysis.pointingAccuracy must be positive, got %v", a.PointingAccuracy)
	}
	if !a.Metric.Valid() {
		return fmt.Errorf("analysis.metric: %w: %d", ErrUnknownMetric, int(a.Metric))
	}
	if !(a.Epsilon > 0) {
		return fmt.Errorf("analysis.epsilon must be positive, got %v", a.Epsilon)
	}
	if !(a.DeterminantFloor > 0) {
		return fmt.Errorf("analysis.determinantFloor must be positive, got %v", a.DeterminantFloor)
	}
	if a.Workers < 0 {
		return fmt.Errorf("analysis.workers must not be negative, got %d", a.Workers)
	}
	if c.Landmarks.File == "" {
		return fmt.Errorf("landmarks.file is required")
	}
	if c.Visibility.Dir == "" && c.Visibility.Service == nil {
		return fmt.Errorf("visibility.dir or visibility.service is required")
	}
	if c.Visibility.Service != nil && c.Visibility.Service.URL == "" {
		return fmt.Errorf("visibility.service.url is required")
	}
	if len(c.Grid.GeoTransform) > 0 {
		if _, err := c.Grid.Transform(); err != nil {
			return fmt.Errorf("grid.geoTransform: %w", err)
		}
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// Transform returns the configured georeferencing, or nil when none is set
func (g GridConfig) Transform() (*AffineMatrix, error) {
	if len(g.GeoTransform) == 0 {
		return nil, nil
	}
	m, err := FromGDAL(g.GeoTransform)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ResolvePaths makes relative file paths relative to base (normally the
// directory holding the config file)
func (c *Config) ResolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Landmarks.File)
	resolve(&c.Visibility.Dir)
	resolve(&c.Output.Quality)
	resolve(&c.Output.FIMDir)
	resolve(&c.Output.PNG)
	resolve(&c.Output.SVG)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
