package bridge

import (
	"context"
	"fmt"

	"completion-bridge/internal/engine"
	"completion-bridge/internal/models"
	"completion-bridge/internal/translator"
)

// Complete runs one blocking generation and wraps it in a chat.completion envelope.
// Validation happens before src is touched.
func (b *Bridge) Complete(ctx context.Context, src engine.Source, modelID string, params models.Params) (translator.ChatCompletionResponse, error) {
	if err := Validate(params.Messages); err != nil {
		return translator.ChatCompletionResponse{}, err
	}

	res, err := src.Generate(ctx, params)
	if err != nil {
		return translator.ChatCompletionResponse{}, fmt.Errorf("generate: %w", err)
	}

	var usage Accountant
	usage.Add(res.Usage)

	message := models.Message{Role: models.RoleAssistant, Content: res.Text}
	finish := res.FinishReason
	if finish == models.FinishNone {
		finish = models.FinishStop
	}

	var det Detection
	switch {
	case finish == models.FinishFunctionCall:
		det = b.detector.Detect(res.Text)
		finish = det.FinishReason()
	case len(params.Functions) > 0:
		det = b.detector.Probe(res.Text)
		if det.Call != nil {
			finish = models.FinishFunctionCall
		}
	}
	if det.Call != nil {
		message.Content = ""
		message.FunctionCall = det.Call
	}

	return translator.NewCompletion(b.newID(), modelID, b.now().Unix(), message, finish, usage.Total()), nil
}
