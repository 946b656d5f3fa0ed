package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/trnquality/quality"
)

// analyzeTrigger starts an analysis in the background
type analyzeTrigger func(cmd quality.AnalyzeCommand) error

// maxCommandBytes limits POST /analyze bodies
const maxCommandBytes = 64 << 10

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *quality.ResultStore, trigger analyzeTrigger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			quality.RunStatus
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			RunStatus: store.Status(),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/quality.png", func(w http.ResponseWriter, r *http.Request) {
		res := latestOr503(w, store)
		if res == nil {
			return
		}

		renderer := quality.NewHeatmapRenderer(res.Quality, res.Pixels, res.Landmarks)
		if v := r.URL.Query().Get("log"); v != "" {
			renderer.LogScale = v != "0" && v != "false"
		}
		if v := r.URL.Query().Get("scale"); v != "" {
			scale, err := strconv.Atoi(v)
			if err != nil || scale < 1 || scale > 32 {
				http.Error(w, "scale must be an integer between 1 and 32", http.StatusBadRequest)
				return
			}
			renderer.Scale = scale
		}

		img := renderer.Render()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding quality PNG: %v", err)
		}
	})

	mux.HandleFunc("/quality.svg", func(w http.ResponseWriter, r *http.Request) {
		res := latestOr503(w, store)
		if res == nil {
			return
		}

		// Render fully before writing so errors can still become a 500
		var buf bytes.Buffer
		renderer := quality.NewVectorRenderer(res.Quality, res.Grid, res.Landmarks)
		if err := renderer.RenderToSVG(&buf); err != nil {
			log.Printf("Error rendering quality SVG: %v", err)
			http.Error(w, "Failed to render SVG", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := buf.WriteTo(w); err != nil {
			log.Printf("Error writing quality SVG: %v", err)
		}
	})

	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		res := latestOr503(w, store)
		if res == nil {
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/cell", func(w http.ResponseWriter, r *http.Request) {
		res := latestOr503(w, store)
		if res == nil {
			return
		}

		col, errC := strconv.Atoi(r.URL.Query().Get("col"))
		row, errR := strconv.Atoi(r.URL.Query().Get("row"))
		if errC != nil || errR != nil {
			http.Error(w, "col and row must be integers", http.StatusBadRequest)
			return
		}

		cell, err := res.CellAt(col, row)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		out := struct {
			*quality.CellCovariance
			Quality float64 `json:"quality"`
			NoData  bool    `json:"noData"`
		}{
			CellCovariance: cell,
			Quality:        res.Quality.At(col, row),
			NoData:         res.Quality.IsNoData(col, row),
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/landmarks.geojson", func(w http.ResponseWriter, r *http.Request) {
		res := latestOr503(w, store)
		if res == nil {
			return
		}

		data, err := quality.LandmarksGeoJSON(res.Landmarks, res.Pixels, res.VisibleCells)
		if err != nil {
			log.Printf("Error encoding landmarks GeoJSON: %v", err)
			http.Error(w, "Failed to encode landmarks", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing landmarks GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		log.Printf("[HTTP] /analyze request from %s", r.RemoteAddr)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		cmd, err := quality.ParseAnalyzeCommand(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := trigger(cmd); err != nil {
			if errors.Is(err, quality.ErrAnalysisRunning) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			log.Printf("Error starting analysis: %v", err)
			http.Error(w, "Failed to start analysis", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "started"}); err != nil {
			log.Printf("Error encoding analyze response: %v", err)
		}
	})

	return mux
}

// latestOr503 returns the latest result, or writes 503 and returns nil
func latestOr503(w http.ResponseWriter, store *quality.ResultStore) *quality.Result {
	res := store.Latest()
	if res == nil {
		http.Error(w, "No analysis result available", http.StatusServiceUnavailable)
	}
	return res
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
