package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retina-forge/internal/dataset/datasettest"
	"retina-forge/internal/model"
)

const numClasses = 6

func tinyDetector(i int) (model.Detector, error) {
	m, err := model.New(model.Options{
		NumClasses:   numClasses,
		Backbone:     model.ResNet18,
		FPNChannels:  16,
		WidthDivisor: 8,
		NumConvs:     1,
		Seed:         int64(32 + i),
	})
	if err != nil {
		return nil, err
	}
	m.SetTraining(false)
	return m, nil
}

func newTestServer(t *testing.T, opts Options) (*Server, *Pool) {
	t.Helper()
	pool, err := NewPool(2, tinyDetector)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool, opts), pool
}

func TestDetectRawBody(t *testing.T) {
	// a near-zero threshold keeps every candidate so labels get named
	srv, pool := newTestServer(t, Options{
		ImageSize: 32,
		Detect:    model.DetectOptions{ScoreThreshold: 1e-6, MaxDetections: 5},
		Classes:   []string{"chair", "couch", "tv", "remote", "book", "vase"},
	})
	body := datasettest.EncodePNG(t, 64, 48, color.NRGBA{R: 90, G: 30, B: 200, A: 255})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DetectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 64, resp.Width)
	assert.Equal(t, 48, resp.Height)
	require.Len(t, resp.Detections, 5)
	for _, d := range resp.Detections {
		assert.NotEmpty(t, d.Class)
		assert.LessOrEqual(t, d.Box[2], float32(64)+1e-3)
		assert.LessOrEqual(t, d.Box[3], float32(48)+1e-3)
	}
	assert.Equal(t, int64(1), pool.Stats().TotalReleased)
}

func TestDetectMultipart(t *testing.T) {
	srv, _ := newTestServer(t, Options{ImageSize: 32})
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("image", "frame.png")
	require.NoError(t, err)
	_, err = fw.Write(datasettest.EncodePNG(t, 32, 32, color.NRGBA{G: 255, A: 255}))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/detect", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DetectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Detections)
}

func TestDetectErrors(t *testing.T) {
	srv, _ := newTestServer(t, Options{ImageSize: 32})
	cases := []struct {
		name        string
		body        []byte
		contentType string
		code        string
	}{
		{"empty body", nil, "", "invalid_request"},
		{"not an image", []byte("hello"), "image/png", "invalid_image"},
		{"bad multipart", []byte("--x\r\n"), "multipart/form-data; boundary=x", "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHealthAndMethods(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/detect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats PoolStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Size)
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, err := NewPool(1, tinyDetector)
	require.NoError(t, err)

	det, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats().InUse)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(det)
	assert.Equal(t, 0, pool.Stats().InUse)

	pool.Close()
	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPoolBuildError(t *testing.T) {
	_, err := NewPool(2, func(int) (model.Detector, error) { return nil, errors.New("boom") })
	require.Error(t, err)
}
