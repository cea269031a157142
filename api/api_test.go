package api_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nvr-ai/go-petid/api"
	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/nvr-ai/go-petid/profiler"
	"github.com/nvr-ai/go-petid/store/memory"
	"github.com/nvr-ai/go-petid/test"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	handler  http.Handler
	gen      *test.MockImageGenerator
	detector *test.FakeDetector
	hook     *logtest.Hook
}

func newHarness(t *testing.T, opts api.Options) *harness {
	t.Helper()
	gen := test.NewMockImageGenerator(320, 240)
	engine, detector, _, err := test.NewEngine(gen.DogDetection())
	require.NoError(t, err)

	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	entry := logrus.NewEntry(log)
	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{}, entry)
	svc, err := pipeline.NewService(engine, memory.New(), pipeline.Config{}, entry, prof)
	require.NoError(t, err)

	srv := api.NewServer(svc, &images.Loader{}, prof, entry)
	return &harness{handler: srv.Router(opts), gen: gen, detector: detector, hook: hook}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, path string, files map[string][]byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAnalyzeMultipartThenMatchJSON(t *testing.T) {
	h := newHarness(t, api.Options{})

	rec := h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	analysis := decode[pipeline.Analysis](t, rec)
	assert.NotEmpty(t, analysis.IdentityToken)
	assert.Equal(t, 8, analysis.EmbeddingLength)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(jsonRequest(t, http.MethodPost, "/match", map[string]any{
		"image": base64.StdEncoding.EncodeToString(h.gen.PNG(t, 1)),
		"k":     3,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	match := decode[pipeline.MatchResult](t, rec)
	require.Len(t, match.Matches, 1)
	assert.Equal(t, analysis.IdentityToken, match.Matches[0].Token)
	assert.Zero(t, match.Matches[0].Distance)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[api.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.IndexSize)
	assert.Equal(t, 2, health.ModelsLoaded)
}

func TestDataURLAndRequestIDPropagation(t *testing.T) {
	h := newHarness(t, api.Options{})
	req := jsonRequest(t, http.MethodPost, "/features", map[string]any{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(h.gen.PNG(t, 3)),
	})
	req.Header.Set("X-Request-ID", "req-42")

	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	f := decode[pipeline.Features](t, rec)
	assert.Equal(t, 8, f.Size)
	assert.Len(t, f.Vector, 8)
}

func TestCompare(t *testing.T) {
	h := newHarness(t, api.Options{})
	rec := h.do(multipartRequest(t, "/compare", map[string][]byte{
		"image1": h.gen.PNG(t, 1),
		"image2": h.gen.PNG(t, 2),
	}, map[string]string{"model_type": "sobel"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sobel", body["variant"])
	assert.Equal(t, true, body["same"])
	assert.Equal(t, "high", body["confidence"])
	assert.InDelta(t, 0.9, body["similarity"], 1e-6)

	rec = h.do(multipartRequest(t, "/compare", map[string][]byte{
		"image1": h.gen.PNG(t, 1),
		"image2": h.gen.PNG(t, 2),
	}, map[string]string{"variant": "canny"}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestProblemResponses(t *testing.T) {
	h := newHarness(t, api.Options{})

	t.Run("missing field", func(t *testing.T) {
		rec := h.do(jsonRequest(t, http.MethodPost, "/compare", map[string]any{
			"image1": base64.StdEncoding.EncodeToString(h.gen.PNG(t, 1)),
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid image", func(t *testing.T) {
		rec := h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": []byte("not an image")}, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		p := decode[api.Problem](t, rec)
		assert.Equal(t, http.StatusBadRequest, p.Status)
		assert.Equal(t, "/analyze", p.Instance)
		assert.NotEmpty(t, p.RequestID)
	})

	t.Run("unknown variant", func(t *testing.T) {
		rec := h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)},
			map[string]string{"variant": "prewitt"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unsupported content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader([]byte("x")))
		req.Header.Set("Content-Type", "text/plain")
		assert.Equal(t, http.StatusBadRequest, h.do(req).Code)
	})

	t.Run("bad k", func(t *testing.T) {
		rec := h.do(multipartRequest(t, "/match?k=zero", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	})
}

func TestDetectionCountMismatch(t *testing.T) {
	h := newHarness(t, api.Options{})
	det := h.gen.DogDetection()
	h.detector.Detections = []common.Detection{det, det}

	rec := h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decode[api.Problem](t, rec)
	require.NotNil(t, p.Count)
	assert.Equal(t, 2, *p.Count)

	h.detector.Detections = nil
	rec = h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p = decode[api.Problem](t, rec)
	require.NotNil(t, p.Count)
	assert.Zero(t, *p.Count)
}

func TestCrop(t *testing.T) {
	h := newHarness(t, api.Options{})
	rec := h.do(multipartRequest(t, "/crop", map[string][]byte{"image": h.gen.PNG(t, 1)},
		map[string]string{"kind": "primary"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, err := jpeg.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 192, img.Bounds().Dx())

	rec = h.do(multipartRequest(t, "/crop", map[string][]byte{"image": h.gen.PNG(t, 1)},
		map[string]string{"kind": "ear"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordsLifecycle(t *testing.T) {
	h := newHarness(t, api.Options{})
	rec := h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decode[pipeline.Analysis](t, rec).IdentityToken

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pipeline.RecordPage](t, rec)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Records, 1)
	assert.Equal(t, token, page.Records[0].Token)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records/"+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records/"+token+"/crops/nose", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records/"+token+"/crops/tail", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodDelete, "/records/"+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, token, decode[map[string]string](t, rec)["deleted"])

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records/"+token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(httptest.NewRequest(http.MethodDelete, "/records/"+token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records?include_deleted=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[pipeline.RecordPage](t, rec).Total)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/records?offset=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelsAndDefault(t *testing.T) {
	h := newHarness(t, api.Options{})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[pipeline.ModelsReport](t, rec)
	assert.Equal(t, "original", string(report.Default))
	assert.Len(t, report.Models, 2)

	rec = h.do(jsonRequest(t, http.MethodPut, "/models/default", map[string]string{"variant": "sobel"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sobel", decode[map[string]string](t, rec)["default"])

	rec = h.do(jsonRequest(t, http.MethodPut, "/models/default", map[string]string{"variant": "canny"}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(jsonRequest(t, http.MethodPut, "/models/default", map[string]string{"variant": "blur"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugStats(t *testing.T) {
	h := newHarness(t, api.Options{})
	h.do(multipartRequest(t, "/features", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/debug/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[profiler.Stats](t, rec)
	assert.NotEmpty(t, stats.Operations)
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, api.Options{MaxBodyBytes: 256})
	rec := h.do(multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// A body of unknown length is cut off while reading.
	req := multipartRequest(t, "/analyze", map[string][]byte{"image": h.gen.PNG(t, 1)}, nil)
	req.ContentLength = -1
	rec = h.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, api.Options{RateLimit: 0.001, RateBurst: 1})

	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/models", nil)).Code)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/models", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health checks bypass the limiter.
	assert.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestRecover(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	handler := api.RequestID(api.Recover(logrus.NewEntry(log))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decode[api.Problem](t, rec)
	assert.Equal(t, "internal error", p.Detail)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), p.RequestID)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "boom", hook.LastEntry().Data["panic"])
}

func TestAccessLog(t *testing.T) {
	h := newHarness(t, api.Options{})
	h.hook.Reset()
	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	entry := h.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request", entry.Message)
	assert.Equal(t, http.StatusOK, entry.Data["status"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), entry.Data["request_id"])
}
