// Package inference - Inference sessions.
package inference

import (
	"context"
	"sync"
	"time"

	"github.com/nvr-ai/go-petid/common"
	"github.com/nvr-ai/go-petid/inference/providers"
	"github.com/nvr-ai/go-petid/models"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// Runner executes a model on flat float32 inputs.
//
// Inputs are copied into the model's bound tensors and outputs are copied
// out, so callers own everything they pass and receive.
type Runner interface {
	Infer(ctx context.Context, inputs ...[]float32) ([][]float32, error)
	Close() error
}

// SessionArgs represents the arguments for creating a new session.
type SessionArgs struct {
	// Descriptor names the model file and its tensor interface.
	Descriptor models.Descriptor
	// Runtime configures threads and execution providers.
	Runtime providers.Config
	// Log receives provider fallback warnings.
	Log *logrus.Entry
}

// SessionMetrics reports cumulative run statistics for a session.
type SessionMetrics struct {
	Name           string               `json:"name"`
	Providers      []providers.Provider `json:"providers"`
	InferenceCount int64                `json:"inference_count"`
	TotalTime      time.Duration        `json:"total_time"`
	AverageTime    time.Duration        `json:"average_time"`
}

// Session represents a model session from the onnxruntime.
//
// The runtime binds fixed input and output buffers to an advanced session,
// so every run holds the session mutex from the input copy until the output
// copy.
type Session struct {
	name      string
	session   *ort.AdvancedSession
	inputs    []*ort.Tensor[float32]
	outputs   []*ort.Tensor[float32]
	providers []providers.Provider

	mu             sync.Mutex
	inferenceCount int64
	totalTime      time.Duration
}

// NewSession creates a session for the described model.
//
// Arguments:
//   - args: The model descriptor and runtime configuration.
//
// Returns:
//   - *Session: The session with its tensors bound.
//   - error: common.ErrModelUnavailable when the file is missing, or the
//     runtime error otherwise.
func NewSession(args SessionArgs) (*Session, error) {
	d := args.Descriptor
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		return nil, errors.New("onnxruntime environment is not initialized")
	}
	log := args.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{name: d.Name}
	for _, shape := range d.InputShapes {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "%s: create input tensor %v", d.Name, shape)
		}
		s.inputs = append(s.inputs, t)
	}
	for _, shape := range d.OutputShapes {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "%s: create output tensor %v", d.Name, shape)
		}
		s.outputs = append(s.outputs, t)
	}

	options, enabled, err := providers.SessionOptions(args.Runtime, log.WithField("model", d.Name))
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, d.Name)
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(d.Path, d.Inputs, d.Outputs,
		arbitrary(s.inputs), arbitrary(s.outputs), options)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(common.ErrModelUnavailable, "%s: %v", d.Name, err)
	}
	s.session = session
	s.providers = enabled

	return s, nil
}

func arbitrary(ts []*ort.Tensor[float32]) []ort.ArbitraryTensor {
	out := make([]ort.ArbitraryTensor, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}

// Name returns the descriptor name the session was created from.
func (s *Session) Name() string {
	return s.name
}

// Infer copies inputs into the bound tensors, runs the model and returns
// copies of the outputs.
//
// The run happens on its own goroutine. When ctx ends first, Infer returns
// the context error immediately; the in-flight run keeps the session locked
// until the runtime returns.
//
// Arguments:
//   - ctx: Bounds the wait for the lock and the run.
//   - inputs: One slice per model input, each exactly the input's element count.
//
// Returns:
//   - [][]float32: One slice per model output.
//   - error: A size mismatch, the runtime error or the context error.
func (s *Session) Infer(ctx context.Context, inputs ...[]float32) ([][]float32, error) {
	if len(inputs) != len(s.inputs) {
		return nil, errors.Errorf("%s: got %d inputs, model takes %d", s.name, len(inputs), len(s.inputs))
	}
	for i, in := range inputs {
		if want := len(s.inputs[i].GetData()); len(in) != want {
			return nil, errors.Errorf("%s: input %d has %d values, want %d", s.name, i, len(in), want)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, s.name)
	}

	type result struct {
		outputs [][]float32
		err     error
	}
	done := make(chan result, 1)

	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.session == nil {
			done <- result{err: errors.Errorf("%s: session closed", s.name)}
			return
		}
		// Skip runs whose caller has already given up while waiting for the lock.
		if ctx.Err() != nil {
			done <- result{err: ctx.Err()}
			return
		}
		for i, in := range inputs {
			copy(s.inputs[i].GetData(), in)
		}

		start := time.Now()
		if err := s.session.Run(); err != nil {
			done <- result{err: errors.Wrapf(err, "%s: run", s.name)}
			return
		}
		s.inferenceCount++
		s.totalTime += time.Since(start)

		outputs := make([][]float32, len(s.outputs))
		for i, out := range s.outputs {
			outputs[i] = append([]float32(nil), out.GetData()...)
		}
		done <- result{outputs: outputs}
	}()

	select {
	case r := <-done:
		return r.outputs, r.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), s.name)
	}
}

// wait blocks until no run holds the session.
func (s *Session) wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
}

// Metrics returns a snapshot of the session's run statistics.
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := SessionMetrics{
		Name:           s.name,
		Providers:      s.providers,
		InferenceCount: s.inferenceCount,
		TotalTime:      s.totalTime,
	}
	if s.inferenceCount > 0 {
		m.AverageTime = s.totalTime / time.Duration(s.inferenceCount)
	}
	return m
}

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			first = errors.Wrapf(err, "%s: destroy session", s.name)
		}
		s.session = nil
	}
	for _, t := range s.inputs {
		t.Destroy()
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
	s.inputs, s.outputs = nil, nil
	return first
}
