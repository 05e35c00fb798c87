// Package server exposes the detector over HTTP.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"retina-forge/internal/dataset"
	"retina-forge/internal/model"
	"retina-forge/internal/tensor"
)

// MaxUploadBytes caps request bodies.
const MaxUploadBytes = 10 << 20

// Options configures a Server.
type Options struct {
	ImageSize int
	Detect    model.DetectOptions
	// Classes names labels in responses; labels past the end stay unnamed.
	Classes []string
}

// Server answers detection requests with pooled detectors.
type Server struct {
	pool *Pool
	opts Options
}

// New wraps pool. ImageSize defaults to 512.
func New(pool *Pool, opts Options) *Server {
	if opts.ImageSize <= 0 {
		opts.ImageSize = 512
	}
	return &Server{pool: pool, opts: opts}
}

// Detection is the wire form of one prediction, in input image pixels.
type Detection struct {
	Box   [4]float32 `json:"box"`
	Score float32    `json:"score"`
	Label int        `json:"label"`
	Class string     `json:"class,omitempty"`
}

// DetectResponse is returned by POST /detect.
type DetectResponse struct {
	RequestID  string      `json:"request_id"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
	ElapsedMS  float64     `json:"elapsed_ms"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Router registers the API routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()

	raw, err := readImage(w, r)
	if err != nil {
		sendError(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		sendError(w, "invalid_image", "failed to decode image", http.StatusBadRequest)
		return
	}
	ex, err := dataset.Preprocess(img, s.opts.ImageSize, nil, nil)
	if err != nil {
		sendError(w, "invalid_image", err.Error(), http.StatusBadRequest)
		return
	}
	images, err := tensor.Stack([]*tensor.Tensor{ex.Image})
	if err != nil {
		sendError(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	det, err := s.pool.Acquire(r.Context())
	if err != nil {
		sendError(w, "detector_unavailable", err.Error(), http.StatusServiceUnavailable)
		return
	}
	out, err := det.Forward(images)
	s.pool.Release(det)
	if err != nil {
		sendError(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	dets, err := model.Detect(out, s.opts.Detect)
	if err != nil {
		sendError(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	bounds := img.Bounds()
	sx := float32(bounds.Dx()) / float32(s.opts.ImageSize)
	sy := float32(bounds.Dy()) / float32(s.opts.ImageSize)
	resp := DetectResponse{
		RequestID:  requestID,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Detections: []Detection{},
	}
	for _, d := range dets[0] {
		b := d.Box.Scale(sx, sy)
		wire := Detection{Box: [4]float32{b.X1, b.Y1, b.X2, b.Y2}, Score: d.Score, Label: d.Label}
		if d.Label < len(s.opts.Classes) {
			wire.Class = s.opts.Classes[d.Label]
		}
		resp.Detections = append(resp.Detections, wire)
	}
	resp.ElapsedMS = time.Since(start).Seconds() * 1000

	log.Printf("detect request_id=%s width=%d height=%d detections=%d elapsed_ms=%.1f",
		requestID, resp.Width, resp.Height, len(resp.Detections), resp.ElapsedMS)
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.pool.Stats())
}

// readImage accepts either a multipart form with an "image" file or the raw
// encoded image as the body.
func readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("form file image: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty request body")
	}
	return raw, nil
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response err=%v", err)
	}
}

func sendError(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, errorResponse{Error: code, Message: message})
}
