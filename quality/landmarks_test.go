package quality

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const landmarksFixture = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"id": "peak-a", "name": "North Peak"}, "geometry": {"type": "Point", "coordinates": [1010, 990]}},
    {"type": "Feature", "id": 7, "properties": {}, "geometry": {"type": "Point", "coordinates": [1002, 998]}},
    {"type": "Feature", "properties": {"height": 12.5}, "geometry": {"type": "Point", "coordinates": [900, 1000]}}
  ]
}`

func TestParseLandmarks(t *testing.T) {
	landmarks, err := ParseLandmarks([]byte(landmarksFixture))
	require.NoError(t, err)
	require.Len(t, landmarks, 3)

	assert.Equal(t, "peak-a", landmarks[0].ID)
	assert.Equal(t, "North Peak", landmarks[0].Name)
	assert.Equal(t, Point{1010, 990}, landmarks[0].World)

	// Feature id, then index
	assert.Equal(t, "7", landmarks[1].ID)
	assert.Equal(t, "2", landmarks[2].ID)
	assert.Equal(t, 12.5, landmarks[2].Properties["height"])
}

func TestParseLandmarks_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"type": "FeatureCollection", "features": [`},
		{"empty collection", `{"type": "FeatureCollection", "features": []}`},
		{"line geometry", `{"type": "FeatureCollection", "features": [
			{"type": "Feature", "properties": {}, "geometry": {"type": "LineString", "coordinates": [[0, 0], [1, 1]]}}]}`},
		{"null geometry", `{"type": "FeatureCollection", "features": [
			{"type": "Feature", "properties": {}, "geometry": null}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLandmarks([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadLandmarks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "landmarks.geojson")
	require.NoError(t, os.WriteFile(path, []byte(landmarksFixture), 0644))

	landmarks, err := LoadLandmarks(path)
	require.NoError(t, err)
	assert.Len(t, landmarks, 3)

	_, err = LoadLandmarks(filepath.Join(dir, "missing.geojson"))
	assert.ErrorContains(t, err, "not found")
}

func TestPixelPositions(t *testing.T) {
	landmarks, err := ParseLandmarks([]byte(landmarksFixture))
	require.NoError(t, err)

	// 10x10 grid of 2 m cells, top-left corner at (1000, 1000)
	grid := Grid{Width: 10, Height: 10, Transform: AffineMatrix{A: 2, Tx: 1000, D: -2, Ty: 1000}}
	pixels, outside := PixelPositions(grid, landmarks)

	assert.Equal(t, []PixelPos{{5, 5}, {1, 1}, {-50, 0}}, pixels)
	assert.Equal(t, []int{2}, outside)
}

func TestLandmarkBound(t *testing.T) {
	landmarks := []Landmark{{World: Point{3, -1}}, {World: Point{-2, 4}}}
	b := LandmarkBound(landmarks)
	assert.Equal(t, orb.Bound{Min: orb.Point{-2, -1}, Max: orb.Point{3, 4}}, b)
}

func TestExtentCovers(t *testing.T) {
	grid := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}

	assert.True(t, ExtentCovers(grid, orb.Bound{Min: orb.Point{2, 3}, Max: orb.Point{10, 10}}))
	assert.False(t, ExtentCovers(grid, orb.Bound{Min: orb.Point{2, 3}, Max: orb.Point{10, 10.5}}))
	assert.False(t, ExtentCovers(grid, orb.Bound{Min: orb.Point{-1, 3}, Max: orb.Point{4, 4}}))
}

func TestLandmarksGeoJSON(t *testing.T) {
	landmarks := []Landmark{
		{ID: "a", Name: "Alpha", World: Point{1, 2}, Properties: map[string]interface{}{"height": 3.0}},
		{ID: "b", World: Point{4, 5}},
	}
	data, err := LandmarksGeoJSON(landmarks, []PixelPos{{0, 1}, {2, 3}}, []int{10, 0})
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	f := fc.Features[0]
	assert.Equal(t, orb.Point{1, 2}, f.Geometry)
	assert.Equal(t, "a", f.Properties.MustString("id"))
	assert.Equal(t, "Alpha", f.Properties.MustString("name"))
	assert.Equal(t, 3.0, f.Properties.MustFloat64("height"))
	assert.Equal(t, 1, f.Properties.MustInt("row"))
	assert.Equal(t, 10, f.Properties.MustInt("visibleCells"))
	assert.Equal(t, 1, fc.Features[1].Properties.MustInt("index"))

	// Round trip through the parser keeps ids and order
	parsed, err := ParseLandmarks(data)
	require.NoError(t, err)
	assert.Equal(t, "b", parsed[1].ID)
	assert.Equal(t, Point{4, 5}, parsed[1].World)

	// Pixel and visibility annotations are optional
	_, err = LandmarksGeoJSON(landmarks, nil, nil)
	assert.NoError(t, err)
}
