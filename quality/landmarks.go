package quality

import (
	"fmt"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadLandmarks reads a GeoJSON FeatureCollection of Point features
func LoadLandmarks(path string) ([]Landmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("landmarks file not found: %s", path)
		}
		return nil, fmt.Errorf("reading landmarks file: %w", err)
	}
	return ParseLandmarks(data)
}

// ParseLandmarks decodes landmarks from GeoJSON. Feature order defines the
// landmark index. The ID comes from the "id" property, then the feature id,
// then the index.
func ParseLandmarks(data []byte) ([]Landmark, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing landmarks GeoJSON: %w", err)
	}
	if len(fc.Features) == 0 {
		return nil, fmt.Errorf("landmarks GeoJSON contains no features")
	}

	landmarks := make([]Landmark, 0, len(fc.Features))
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			geomType := "null"
			if f.Geometry != nil {
				geomType = f.Geometry.GeoJSONType()
			}
			return nil, fmt.Errorf("feature %d: landmarks must be Point geometries, got %s", i, geomType)
		}

		lm := Landmark{
			ID:         landmarkID(f, i),
			Name:       f.Properties.MustString("name", ""),
			World:      Point{X: pt.X(), Y: pt.Y()},
			Properties: map[string]interface{}(f.Properties),
		}
		landmarks = append(landmarks, lm)
	}

	return landmarks, nil
}

// landmarkID picks a stable identifier for the feature at index i
func landmarkID(f *geojson.Feature, i int) string {
	if v, ok := f.Properties["id"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	if f.ID != nil {
		return fmt.Sprint(f.ID)
	}
	return strconv.Itoa(i)
}

// PixelPositions converts every landmark to its nearest grid cell. The
// second return lists the indices of landmarks that fall outside the grid;
// they are still valid bearing targets.
func PixelPositions(grid Grid, landmarks []Landmark) ([]PixelPos, []int) {
	pixels := make([]PixelPos, len(landmarks))
	var outside []int
	for i, lm := range landmarks {
		pixels[i] = grid.WorldToPixel(lm.World)
		if !grid.Contains(pixels[i]) {
			outside = append(outside, i)
		}
	}
	return pixels, outside
}

// Bound returns the world-space bounding box of the grid
func (g Grid) Bound() orb.Bound {
	corners := []Point{
		g.CellToWorld(0, 0),
		g.CellToWorld(float64(g.Width), 0),
		g.CellToWorld(0, float64(g.Height)),
		g.CellToWorld(float64(g.Width), float64(g.Height)),
	}
	b := orb.Bound{
		Min: orb.Point{corners[0].X, corners[0].Y},
		Max: orb.Point{corners[0].X, corners[0].Y},
	}
	for _, c := range corners[1:] {
		b = b.Extend(orb.Point{c.X, c.Y})
	}
	return b
}

// LandmarkBound returns the bounding box of the landmark positions
func LandmarkBound(landmarks []Landmark) orb.Bound {
	mp := make(orb.MultiPoint, len(landmarks))
	for i, lm := range landmarks {
		mp[i] = orb.Point{lm.World.X, lm.World.Y}
	}
	return mp.Bound()
}

// ExtentCovers reports whether outer contains both corners of inner
func ExtentCovers(outer, inner orb.Bound) bool {
	return outer.Contains(inner.Min) && outer.Contains(inner.Max)
}

// LandmarksGeoJSON encodes landmarks as Point features annotated with their
// index, pixel position and the number of cells that can see them.
// pixels and visibleCells may be nil.
func LandmarksGeoJSON(landmarks []Landmark, pixels []PixelPos, visibleCells []int) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for i, lm := range landmarks {
		f := geojson.NewFeature(orb.Point{lm.World.X, lm.World.Y})
		f.ID = lm.ID
		for k, v := range lm.Properties {
			f.Properties[k] = v
		}
		f.Properties["id"] = lm.ID
		f.Properties["index"] = i
		if lm.Name != "" {
			f.Properties["name"] = lm.Name
		}
		if i < len(pixels) {
			f.Properties["col"] = pixels[i].Col
			f.Properties["row"] = pixels[i].Row
		}
		if i < len(visibleCells) {
			f.Properties["visibleCells"] = visibleCells[i]
		}
		fc.Append(f)
	}
	return fc.MarshalJSON()
}
