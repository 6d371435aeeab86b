package bridge

import (
	"errors"
	"fmt"
	"log/slog"

	"completion-bridge/internal/models"
)

// ErrParse is wrapped by every parser failure.
var ErrParse = errors.New("function call parse failed")

// Parser extracts a structured function call from completed text.
type Parser interface {
	Parse(text string) (models.FunctionCall, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(text string) (models.FunctionCall, error)

func (f ParserFunc) Parse(text string) (models.FunctionCall, error) {
	return f(text)
}

// ChainParser tries each parser in order and returns the first success.
type ChainParser []Parser

func (c ChainParser) Parse(text string) (models.FunctionCall, error) {
	if len(c) == 0 {
		return models.FunctionCall{}, fmt.Errorf("%w: no parsers configured", ErrParse)
	}
	var errs []error
	for _, p := range c {
		call, err := p.Parse(text)
		if err == nil {
			return call, nil
		}
		errs = append(errs, err)
	}
	return models.FunctionCall{}, errors.Join(errs...)
}

// DefaultParser handles ChatGLM tool-call output and plain JSON call objects.
func DefaultParser() Parser {
	return ChainParser{ToolCallParser{}, JSONParser{}}
}

// Detection is the outcome of one detector run. Exactly one of Call and Err is set.
type Detection struct {
	Call *models.FunctionCall
	Err  error
}

// FinishReason is function_call on success and stop on failure.
func (d Detection) FinishReason() models.FinishReason {
	if d.Call != nil {
		return models.FinishFunctionCall
	}
	return models.FinishStop
}

// Detector runs a Parser over completed text and never fails the request.
type Detector struct {
	parser Parser
	logger *slog.Logger
}

// NewDetector constructs a detector; a nil parser selects DefaultParser.
func NewDetector(parser Parser, logger *slog.Logger) *Detector {
	if parser == nil {
		parser = DefaultParser()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{parser: parser, logger: logger}
}

// Detect is used when the engine signalled a function call. Failures are logged as warnings.
func (d *Detector) Detect(text string) Detection {
	det := d.run(text)
	if det.Err != nil {
		d.logger.Warn("failed to parse tool call", "error", det.Err, "text_bytes", len(text))
	}
	return det
}

// Probe is used when the caller offered functions but the engine did not
// signal a call, so a failure is expected and only logged at debug level.
func (d *Detector) Probe(text string) Detection {
	det := d.run(text)
	if det.Err != nil {
		d.logger.Debug("no tool call in completion", "error", det.Err)
	}
	return det
}

func (d *Detector) run(text string) Detection {
	call, err := d.parser.Parse(text)
	if err != nil {
		if !errors.Is(err, ErrParse) {
			err = fmt.Errorf("%w: %w", ErrParse, err)
		}
		return Detection{Err: err}
	}
	if call.Name == "" {
		return Detection{Err: fmt.Errorf("%w: empty function name", ErrParse)}
	}
	return Detection{Call: &call}
}
