// Package enginetest provides scripted generation sources for tests.
package enginetest

import (
	"context"
	"io"
	"sync"

	"completion-bridge/internal/engine"
	"completion-bridge/internal/models"
)

// Source replays a fixed script. It records how often each method was called.
type Source struct {
	SourceName string
	ModelIDs   []string

	// Snapshots is replayed by GenerateStream.
	Snapshots []models.Snapshot
	// StreamErr, when set, is returned by Recv after all snapshots were delivered.
	StreamErr error
	// OpenErr fails GenerateStream before any snapshot.
	OpenErr error

	// Result is returned by Generate unless GenerateErr is set.
	Result      *models.Result
	GenerateErr error

	mu             sync.Mutex
	generateCalls  int
	streamCalls    int
	closedStreams  int
	lastParams     models.Params
	recvAfterClose bool
}

var _ engine.Source = (*Source)(nil)

func (s *Source) Name() string {
	if s.SourceName == "" {
		return "scripted"
	}
	return s.SourceName
}

func (s *Source) ListModels(ctx context.Context) ([]models.Model, error) {
	ids := s.ModelIDs
	if len(ids) == 0 {
		ids = []string{"test-model"}
	}
	out := make([]models.Model, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Model{ID: id, Engine: s.Name(), OwnedBy: s.Name()})
	}
	return out, nil
}

func (s *Source) Generate(ctx context.Context, params models.Params) (*models.Result, error) {
	s.mu.Lock()
	s.generateCalls++
	s.lastParams = params
	s.mu.Unlock()

	if s.GenerateErr != nil {
		return nil, s.GenerateErr
	}
	if s.Result == nil {
		return &models.Result{FinishReason: models.FinishStop}, nil
	}
	res := *s.Result
	return &res, nil
}

func (s *Source) GenerateStream(ctx context.Context, params models.Params) (engine.Stream, error) {
	s.mu.Lock()
	s.streamCalls++
	s.lastParams = params
	s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &stream{src: s, snapshots: append([]models.Snapshot(nil), s.Snapshots...)}, nil
}

// GenerateCalls returns the number of Generate invocations.
func (s *Source) GenerateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateCalls
}

// StreamCalls returns the number of GenerateStream invocations.
func (s *Source) StreamCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCalls
}

// ClosedStreams returns how many streams were released by their consumer.
func (s *Source) ClosedStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedStreams
}

// RecvAfterClose reports whether a consumer pulled from a released stream.
func (s *Source) RecvAfterClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvAfterClose
}

// LastParams returns the parameters of the most recent call.
func (s *Source) LastParams() models.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams
}

type stream struct {
	src       *Source
	snapshots []models.Snapshot
	pos       int
	closed    bool
}

func (st *stream) Recv(ctx context.Context) (models.Snapshot, error) {
	if st.closed {
		st.src.mu.Lock()
		st.src.recvAfterClose = true
		st.src.mu.Unlock()
		return models.Snapshot{}, io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, err
	}
	if st.pos >= len(st.snapshots) {
		if st.src.StreamErr != nil {
			return models.Snapshot{}, st.src.StreamErr
		}
		return models.Snapshot{}, io.EOF
	}
	snap := st.snapshots[st.pos]
	st.pos++
	return snap, nil
}

func (st *stream) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	st.src.mu.Lock()
	st.src.closedStreams++
	st.src.mu.Unlock()
	return nil
}
