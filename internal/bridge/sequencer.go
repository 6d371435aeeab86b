package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"completion-bridge/internal/engine"
	"completion-bridge/internal/models"
	"completion-bridge/internal/translator"
)

// Emitter receives the envelopes of one stream in order, then Done once after a
// successful terminal event. A failed stream never sees Done.
type Emitter interface {
	Emit(chunk translator.ChatCompletionResponse) error
	Done() error
}

// Open validates params and starts streaming generation on src. No source
// method is called for an invalid request.
func Open(ctx context.Context, src engine.Source, params models.Params) (engine.Stream, error) {
	if err := Validate(params.Messages); err != nil {
		return nil, err
	}
	st, err := src.GenerateStream(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("open generation stream: %w", err)
	}
	return st, nil
}

// Stream consumes st and emits announce, content and terminal events to out.
// It takes ownership of st and closes it on every return path. Pulling stops
// as soon as ctx is cancelled or out fails.
func (b *Bridge) Stream(ctx context.Context, modelID string, st engine.Stream, out Emitter) error {
	defer func() {
		if err := st.Close(); err != nil {
			b.logger.Debug("close generation stream", "error", err)
		}
	}()

	id := b.newID()
	created := b.now().Unix()
	emit := func(delta translator.Delta, finish models.FinishReason) error {
		return out.Emit(translator.NewChunk(id, modelID, created, delta, finish))
	}

	if err := emit(translator.Delta{Role: models.RoleAssistant}, models.FinishNone); err != nil {
		return fmt.Errorf("emit announce: %w", err)
	}

	var deltas DeltaExtractor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		snap, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("receive snapshot: %w", err)
		}

		text, err := deltas.Next(snap.Text)
		if err != nil {
			return err
		}
		if suppressed(text, snap.FinishReason) {
			continue
		}

		delta, finish := b.contentDelta(text, snap)
		if err := emit(delta, finish); err != nil {
			return fmt.Errorf("emit content: %w", err)
		}
	}

	if err := emit(translator.Delta{}, models.FinishStop); err != nil {
		return fmt.Errorf("emit terminal: %w", err)
	}
	return out.Done()
}

// contentDelta shapes one content event. A natural stop stays null because the
// terminal event carries it.
func (b *Bridge) contentDelta(text string, snap models.Snapshot) (translator.Delta, models.FinishReason) {
	switch snap.FinishReason {
	case models.FinishFunctionCall:
		det := b.detector.Detect(snap.Text)
		if det.Call == nil {
			return translator.Delta{Content: &text}, det.FinishReason()
		}
		return translator.Delta{FunctionCall: translator.FromFunctionCall(det.Call)}, models.FinishFunctionCall
	case models.FinishStop:
		return translator.Delta{Content: &text}, models.FinishNone
	default:
		return translator.Delta{Content: &text}, snap.FinishReason
	}
}
