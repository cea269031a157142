// Package api exposes the identification pipeline over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/nvr-ai/go-petid/profiler"
	"github.com/nvr-ai/go-petid/regions"
	"github.com/nvr-ai/go-petid/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Options configures the HTTP layer.
type Options struct {
	// MaxBodyBytes bounds request bodies. Zero disables the limit.
	MaxBodyBytes int64
	// RateLimit is the sustained requests per second. Zero disables it.
	RateLimit float64
	// RateBurst is the token bucket size.
	RateBurst int
}

// Server holds the handler dependencies.
type Server struct {
	svc      *pipeline.Service
	loader   *images.Loader
	profiler *profiler.RuntimeProfiler
	log      *logrus.Entry
	started  time.Time
}

// NewServer creates the handlers. prof may be nil, which disables
// /debug/stats.
func NewServer(svc *pipeline.Service, loader *images.Loader, prof *profiler.RuntimeProfiler, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if loader == nil {
		loader = &images.Loader{}
	}
	return &Server{
		svc:      svc,
		loader:   loader,
		profiler: prof,
		log:      log.WithField("component", "api"),
		started:  time.Now(),
	}
}

// Router returns the routes wrapped in the middleware chain.
func (s *Server) Router(opts Options) http.Handler {
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(s.log))
	r.Use(Recover(s.log))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(limiter))
		r.Use(MaxBody(opts.MaxBodyBytes))

		r.Get("/models", s.models)
		r.Put("/models/default", s.setDefault)

		r.Post("/analyze", s.analyze)
		r.Post("/match", s.match)
		r.Post("/compare", s.compare)
		r.Post("/crop", s.crop)
		r.Post("/features", s.features)

		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.listRecords)
			r.Get("/{token}", s.getRecord)
			r.Get("/{token}/crops/{kind}", s.getRecordCrop)
			r.Delete("/{token}", s.deleteRecord)
		})

		r.Get("/debug/stats", s.stats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, Problem{
			Type: "about:blank", Title: http.StatusText(http.StatusNotFound), Status: http.StatusNotFound,
			Detail: "no such route", Instance: r.URL.Path, RequestID: RequestIDFrom(r.Context()),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, Problem{
			Type: "about:blank", Title: http.StatusText(http.StatusMethodNotAllowed), Status: http.StatusMethodNotAllowed,
			Instance: r.URL.Path, RequestID: RequestIDFrom(r.Context()),
		})
	})
	return r
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, pipeline.LoggerFrom(r.Context(), s.log), err)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status       string `json:"status"`
	ModelsLoaded int    `json:"models_loaded"`
	IndexSize    int    `json:"index_size"`
	Uptime       string `json:"uptime"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	loaded := 0
	for _, m := range s.svc.Models().Models {
		if m.Available {
			loaded++
		}
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		ModelsLoaded: loaded,
		IndexSize:    s.svc.IndexSize(),
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) models(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Models())
}

type defaultVariantRequest struct {
	Variant string `json:"variant"`
}

func (s *Server) setDefault(w http.ResponseWriter, r *http.Request) {
	var body defaultVariantRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, r, wrapBodyError(err, "decode JSON body"))
		return
	}
	v, err := preprocess.ParseVariant(body.Variant)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.SetDefaultVariant(v); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]preprocess.Variant{"default": v})
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	req, err := s.readImages(r, "image")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Analyze(r.Context(), req.images["image"], opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	req, err := s.readImages(r, "image")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.svc.Match(r.Context(), req.images["image"], opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	req, err := s.readImages(r, "image1", "image2")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.svc.Compare(r.Context(), req.images["image1"], req.images["image2"], opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) crop(w http.ResponseWriter, r *http.Request) {
	req, err := s.readImages(r, "image")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	kind, err := regions.ParseKind(req.kind)
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	data, err := s.svc.Crop(r.Context(), req.images["image"], kind, req.targetClass)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJPEG(w, data)
}

func (s *Server) features(w http.ResponseWriter, r *http.Request) {
	req, err := s.readImages(r, "image")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.svc.Features(r.Context(), req.images["image"], opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))

	page, err := s.svc.Records(r.Context(), store.ListOptions{Limit: limit, Offset: offset, IncludeDeleted: includeDeleted})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Record(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) getRecordCrop(w http.ResponseWriter, r *http.Request) {
	kind, err := regions.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.fail(w, r, badRequest("%v", err))
		return
	}
	data, err := s.svc.RecordCrop(r.Context(), chi.URLParam(r, "token"), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJPEG(w, data)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := s.svc.DeleteRecord(r.Context(), token); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": token})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.profiler == nil {
		writeProblem(w, Problem{
			Type: "about:blank", Title: http.StatusText(http.StatusNotFound), Status: http.StatusNotFound,
			Detail: "profiler disabled", Instance: r.URL.Path, RequestID: RequestIDFrom(r.Context()),
		})
		return
	}
	respondJSON(w, http.StatusOK, s.profiler.Snapshot())
}
