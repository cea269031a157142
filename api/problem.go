package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nvr-ai/go-petid/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Count is the number of subjects found when exactly one was required.
	Count *int `json:"count,omitempty"`
	// RequestID correlates the problem with the access log.
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps a pipeline error to its HTTP status.
func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, common.ErrInvalidImage), errors.Is(err, common.ErrUnknownVariant), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrDetectionCountMismatch), errors.Is(err, common.ErrEmptyCrop):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusClientClosedRequest is the nginx convention for a caller that gave up.
const statusClientClosedRequest = 499

func statusTitle(status int) string {
	if status == statusClientClosedRequest {
		return "Client Closed Request"
	}
	return http.StatusText(status)
}

// errBadRequest tags request decoding failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

// respondError writes err as a problem. Server-side failures are logged
// and their detail is withheld.
func respondError(w http.ResponseWriter, r *http.Request, log *logrus.Entry, err error) {
	status := statusFor(err)
	p := Problem{
		Type:      "about:blank",
		Title:     statusTitle(status),
		Status:    status,
		Detail:    err.Error(),
		Instance:  r.URL.Path,
		RequestID: RequestIDFrom(r.Context()),
	}

	var count *common.DetectionCountError
	if errors.As(err, &count) {
		n := count.Count
		p.Count = &n
		p.Detail = count.Error()
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		log.WithError(err).Error("request failed")
		p.Detail = "internal error"
	} else {
		log.WithError(err).WithField("status", status).Debug("request rejected")
	}
	writeProblem(w, p)
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondJPEG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
