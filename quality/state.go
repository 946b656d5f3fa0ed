package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// ErrAnalysisRunning is returned by BeginRun while another run is active
var ErrAnalysisRunning = errors.New("analysis already running")

// RunStatus describes the store's latest activity for health reporting
type RunStatus struct {
	Running   bool      `json:"running"`
	HasResult bool      `json:"hasResult"`
	ResultID  string    `json:"resultId,omitempty"`
	Finished  time.Time `json:"finished,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
}

// ResultStore holds the latest analysis result for HTTP and MQTT consumers
// and makes sure only one analysis runs at a time
type ResultStore struct {
	mu          sync.RWMutex
	latest      *Result
	running     bool
	lastErr     error
	done, total int
	cachePath   string // summary JSON written after every run; empty disables
}

// NewResultStore creates an empty store
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// NewResultStoreWithCache creates a store that writes each run's summary
// to cachePath
func NewResultStoreWithCache(cachePath string) *ResultStore {
	return &ResultStore{cachePath: cachePath}
}

// BeginRun marks an analysis as running
func (s *ResultStore) BeginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAnalysisRunning
	}
	s.running = true
	s.done, s.total = 0, 0
	return nil
}

// Progress records raster acquisition progress; usable as a ProgressFunc
func (s *ResultStore) Progress(done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done, s.total = done, total
}

// EndRun finishes the active run, storing r on success or err on failure
func (s *ResultStore) EndRun(r *Result, err error) {
	s.mu.Lock()
	s.running = false
	s.lastErr = err
	if err == nil && r != nil {
		s.latest = r
	}
	cachePath := s.cachePath
	s.mu.Unlock()

	if err == nil && r != nil && cachePath != "" {
		if saveErr := SaveSummary(cachePath, r); saveErr != nil {
			log.Printf("Warning: failed to write summary cache %s: %v", cachePath, saveErr)
		}
	}
}

// Latest returns the most recent successful result, or nil
func (s *ResultStore) Latest() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// HasResult returns true once a run has succeeded
func (s *ResultStore) HasResult() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest != nil
}

// Status returns a snapshot of the store
func (s *ResultStore) Status() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := RunStatus{
		Running:   s.running,
		HasResult: s.latest != nil,
		Done:      s.done,
		Total:     s.total,
	}
	if s.latest != nil {
		st.ResultID = s.latest.ID
		st.Finished = s.latest.Finished
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// summaryFile is the on-disk form of a run summary
type summaryFile struct {
	ID           string     `json:"id"`
	Finished     time.Time  `json:"finished"`
	Metric       Metric     `json:"metric"`
	Grid         Grid       `json:"grid"`
	GeoTransform [6]float64 `json:"geoTransform"` // GDAL order
	Landmarks    int        `json:"landmarks"`
	Outside      []int      `json:"outside,omitempty"`
	VisibleCells []int      `json:"visibleCells"`
	Summary      Summary    `json:"summary"`
}

// SaveSummary writes the run's summary as indented JSON
func SaveSummary(path string, r *Result) error {
	data, err := json.MarshalIndent(summaryFile{
		ID:           r.ID,
		Finished:     r.Finished,
		Metric:       r.Metric,
		Grid:         r.Grid,
		GeoTransform: ToGDAL(r.Grid.Transform),
		Landmarks:    len(r.Landmarks),
		Outside:      r.Outside,
		VisibleCells: r.VisibleCells,
		Summary:      r.Summary,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}
