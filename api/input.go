package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/nvr-ai/go-petid/images"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/pipeline"
	"github.com/pkg/errors"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling file parts to disk.
const multipartMemory = 8 << 20

// jsonRequest is the JSON form of every image endpoint. Images are base64,
// optionally as data URLs.
type jsonRequest struct {
	Image       string `json:"image"`
	Image1      string `json:"image1"`
	Image2      string `json:"image2"`
	TargetClass string `json:"target_class"`
	Variant     string `json:"variant"`
	ModelType   string `json:"model_type"`
	Kind        string `json:"kind"`
	K           int    `json:"k"`
}

func (j *jsonRequest) image(name string) string {
	switch name {
	case "image":
		return j.Image
	case "image1":
		return j.Image1
	case "image2":
		return j.Image2
	}
	return ""
}

// imageRequest is a decoded upload: the named images and the parameters.
type imageRequest struct {
	images      map[string]*images.Image
	targetClass string
	variant     string
	kind        string
	k           int
}

func (ir *imageRequest) options() (pipeline.Options, error) {
	opts := pipeline.Options{TargetClass: ir.targetClass, K: ir.k}
	if ir.variant != "" {
		v, err := preprocess.ParseVariant(ir.variant)
		if err != nil {
			return opts, err
		}
		opts.Variant = v
	}
	return opts, nil
}

// readImages decodes the images named by names from a multipart form or
// a JSON body. Query parameters fill in any parameter the body leaves
// empty.
func (s *Server) readImages(r *http.Request, names ...string) (*imageRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	out := &imageRequest{images: make(map[string]*images.Image, len(names))}
	var kValue string

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, wrapBodyError(err, "parse multipart form")
		}
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}
		for _, name := range names {
			file, _, err := r.FormFile(name)
			if err != nil {
				return nil, badRequest("missing file field %q", name)
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				return nil, wrapBodyError(err, "read "+name)
			}
			if out.images[name], err = s.loader.Load(images.FromBytes(data)); err != nil {
				return nil, errors.Wrap(err, name)
			}
		}
		out.targetClass = r.FormValue("target_class")
		out.variant = firstNonEmpty(r.FormValue("variant"), r.FormValue("model_type"))
		out.kind = r.FormValue("kind")
		kValue = r.FormValue("k")

	case "application/json":
		var body jsonRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, wrapBodyError(err, "decode JSON body")
		}
		for _, name := range names {
			encoded := body.image(name)
			if encoded == "" {
				return nil, badRequest("missing field %q", name)
			}
			img, err := s.loader.Load(images.FromBase64(encoded))
			if err != nil {
				return nil, errors.Wrap(err, name)
			}
			out.images[name] = img
		}
		out.targetClass = body.TargetClass
		out.variant = firstNonEmpty(body.Variant, body.ModelType)
		out.kind = body.Kind
		out.k = body.K

	default:
		return nil, badRequest("unsupported content type %q; use multipart/form-data or application/json", mediaType)
	}

	q := r.URL.Query()
	out.targetClass = firstNonEmpty(out.targetClass, q.Get("target_class"))
	out.variant = firstNonEmpty(out.variant, q.Get("variant"), q.Get("model_type"))
	out.kind = firstNonEmpty(out.kind, q.Get("kind"))
	if kValue = firstNonEmpty(kValue, q.Get("k")); kValue != "" && out.k == 0 {
		k, err := strconv.Atoi(kValue)
		if err != nil || k <= 0 {
			return nil, badRequest("k must be a positive integer, got %q", kValue)
		}
		out.k = k
	}
	if out.k < 0 {
		return nil, badRequest("k must be a positive integer, got %d", out.k)
	}
	return out, nil
}

// wrapBodyError keeps a body size violation recognisable and tags every
// other read failure as a bad request.
func wrapBodyError(err error, msg string) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errors.Wrap(err, msg)
	}
	return errors.Wrapf(errBadRequest, "%s: %v", msg, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}
