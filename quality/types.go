package quality

import (
	"fmt"
	"strings"
	"time"
)

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// Grid is the raster lattice shared by every visibility raster and every
// derived field. Transform maps (col, row) to world coordinates.
type Grid struct {
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Transform AffineMatrix `json:"transform"`
}

// Cells returns the number of cells in the grid
func (g Grid) Cells() int {
	return g.Width * g.Height
}

// PixelPos is an integer cell coordinate
type PixelPos struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Landmark is a fixed, bearing-observable feature in world coordinates
type Landmark struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	World      Point                  `json:"world"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// VisibilityRaster marks which cells can see one landmark.
// Values are row-major; 0 = not visible, 1 = visible, NaN = no-data.
type VisibilityRaster struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// NewVisibilityRaster allocates a raster with every cell set to 0
func NewVisibilityRaster(width, height int) *VisibilityRaster {
	return &VisibilityRaster{
		Width:  width,
		Height: height,
		Values: make([]float32, width*height),
	}
}

// At returns the value at (col, row)
func (v *VisibilityRaster) At(col, row int) float32 {
	return v.Values[row*v.Width+col]
}

// Set sets the value at (col, row)
func (v *VisibilityRaster) Set(col, row int, value float32) {
	v.Values[row*v.Width+col] = value
}

// FIMField holds a 2x2 symmetric information matrix per cell as three
// row-major bands. The same layout is used for a single landmark's
// contribution and for the combined field.
type FIMField struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	XX     []float64 `json:"xx"`
	XY     []float64 `json:"xy"`
	YY     []float64 `json:"yy"`
}

// NewFIMField allocates an all-zero field
func NewFIMField(width, height int) *FIMField {
	n := width * height
	return &FIMField{
		Width:  width,
		Height: height,
		XX:     make([]float64, n),
		XY:     make([]float64, n),
		YY:     make([]float64, n),
	}
}

// At returns the (Ixx, Ixy, Iyy) entries at (col, row)
func (f *FIMField) At(col, row int) (xx, xy, yy float64) {
	i := row*f.Width + col
	return f.XX[i], f.XY[i], f.YY[i]
}

// Bands returns the three entries as separate bands in xx, xy, yy order
func (f *FIMField) Bands() [3][]float64 {
	return [3][]float64{f.XX, f.XY, f.YY}
}

// QualityField is the per-cell localization quality raster.
// Every value is finite and non-negative, or exactly NoData.
type QualityField struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
	NoData float64   `json:"noData"`
	Metric Metric    `json:"metric"`
}

// At returns the quality at (col, row)
func (q *QualityField) At(col, row int) float64 {
	return q.Values[row*q.Width+col]
}

// IsNoData reports whether the cell at (col, row) holds the sentinel
func (q *QualityField) IsNoData(col, row int) bool {
	return q.At(col, row) == q.NoData
}

// Metric selects the scalar derived from the covariance proxy
type Metric int

const (
	// MetricGDOP is sqrt(trace(C))
	MetricGDOP Metric = iota
	// MetricWorstCase is sqrt(max eigenvalue of C)
	MetricWorstCase
)

// String returns the config/CLI spelling of the metric
func (m Metric) String() string {
	switch m {
	case MetricGDOP:
		return "gdop"
	case MetricWorstCase:
		return "worst-case"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// Label returns the human-readable layer name used by renderers
func (m Metric) Label() string {
	switch m {
	case MetricWorstCase:
		return "Worst-Case"
	default:
		return "GDOP"
	}
}

// Valid reports whether m is a known metric
func (m Metric) Valid() bool {
	return m == MetricGDOP || m == MetricWorstCase
}

// ParseMetric accepts "gdop", "worst-case", "worst_case", "worstcase", "0" or "1"
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gdop", "0", "":
		return MetricGDOP, nil
	case "worst-case", "worst_case", "worstcase", "1":
		return MetricWorstCase, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// MarshalText implements encoding.TextMarshaler (used by YAML and JSON)
func (m Metric) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Metric) UnmarshalText(text []byte) error {
	parsed, err := ParseMetric(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config represents the full configuration file
type Config struct {
	Analysis   AnalysisConfig   `yaml:"analysis" json:"analysis"`
	Grid       GridConfig       `yaml:"grid,omitempty" json:"grid,omitempty"`
	Landmarks  LandmarksConfig  `yaml:"landmarks" json:"landmarks"`
	Visibility VisibilityConfig `yaml:"visibility" json:"visibility"`
	Output     OutputConfig     `yaml:"output,omitempty" json:"output,omitempty"`
	MQTT       MQTTConfig       `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP       HTTPConfig       `yaml:"http,omitempty" json:"http,omitempty"`
}

// AnalysisConfig holds the numeric parameters of a quality run
type AnalysisConfig struct {
	PointingAccuracy float64 `yaml:"pointingAccuracy" json:"pointingAccuracy"` // milliradians, 1-sigma bearing noise
	Metric           Metric  `yaml:"metric" json:"metric"`
	NoData           float64 `yaml:"noData" json:"noData"`
	Epsilon          float64 `yaml:"epsilon" json:"epsilon"`                     // range² regularizer, map units²
	DeterminantFloor float64 `yaml:"determinantFloor" json:"determinantFloor"`   // lower clamp on det(FIM)
	Workers          int     `yaml:"workers,omitempty" json:"workers,omitempty"` // 0 = GOMAXPROCS
}

// PointingNoise returns the bearing noise standard deviation in radians
func (a AnalysisConfig) PointingNoise() float64 {
	return a.PointingAccuracy * 1e-3
}

// GridConfig supplies georeferencing for rasters that carry none (PNG masks)
type GridConfig struct {
	GeoTransform []float64 `yaml:"geoTransform,omitempty" json:"geoTransform,omitempty"` // GDAL order: x0, a, b, y0, d, e
}

// LandmarksConfig points at the landmark point layer
type LandmarksConfig struct {
	File string `yaml:"file" json:"file"`
}

// VisibilityConfig locates per-landmark visibility rasters
type VisibilityConfig struct {
	Dir     string                 `yaml:"dir" json:"dir"`
	Pattern string                 `yaml:"pattern,omitempty" json:"pattern,omitempty"` // fmt pattern taking the landmark index
	Service *ViewshedServiceConfig `yaml:"service,omitempty" json:"service,omitempty"`
}

// ViewshedServiceConfig configures the external line-of-sight service
type ViewshedServiceConfig struct {
	URL            string        `yaml:"url" json:"url"`
	Radius         float64       `yaml:"radius,omitempty" json:"radius,omitempty"`                 // meters
	ObserverHeight float64       `yaml:"observerHeight,omitempty" json:"observerHeight,omitempty"` // landmark height, meters
	TargetHeight   float64       `yaml:"targetHeight,omitempty" json:"targetHeight,omitempty"`     // robot height, meters
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// OutputConfig names the files written after a run; empty disables an output
type OutputConfig struct {
	Quality string `yaml:"quality,omitempty" json:"quality,omitempty"`
	FIMDir  string `yaml:"fimDir,omitempty" json:"fimDir,omitempty"`
	PNG     string `yaml:"png,omitempty" json:"png,omitempty"`
	SVG     string `yaml:"svg,omitempty" json:"svg,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}
