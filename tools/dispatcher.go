package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Call is a tool-call request issued by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Dispatcher runs tool calls against a registry. Each call gets its own
// goroutine and timeout so a slow handler only delays its own result.
type Dispatcher struct {
	logger  shared.LoggerAdapter
	timeout time.Duration
}

func NewDispatcher(logger shared.LoggerAdapter, timeout time.Duration) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Dispatcher{logger: logger, timeout: timeout}, nil
}

type handlerOutcome struct {
	output string
	err    error
}

// Dispatch resolves call against reg and runs its handler. The returned
// Result is never nil: on failure it is a ToServer carrying an error payload
// for the model, and the error says what went wrong.
func (d *Dispatcher) Dispatch(ctx context.Context, reg *Registry, call Call) (Result, error) {
	log := d.logger.With(zap.String("call_id", call.ID), zap.String("tool", call.Name))

	tool, ok := reg.Lookup(call.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", shared.ErrUnknownTool, call.Name)
		log.Warn("tool call for unknown tool")
		return failure(err), err
	}

	args, err := tool.Schema.Validate(call.Arguments)
	if err != nil {
		log.Warn("tool call rejected", zap.Error(err))
		return failure(err), err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	started := time.Now()
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: fmt.Errorf("%w: panic: %v", shared.ErrHandlerFailure, p)}
			}
		}()
		out, err := tool.Binding.Handler(ctx, args)
		done <- handlerOutcome{output: out, err: err}
	}()

	var res handlerOutcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = handlerOutcome{err: fmt.Errorf("%w: %w", shared.ErrHandlerFailure, ctx.Err())}
	}

	if res.err != nil {
		err := classify(res.err)
		log.Error("tool call failed", err, zap.Duration("elapsed", time.Since(started)))
		return failure(err), err
	}

	log.Debug("tool call completed",
		zap.Duration("elapsed", time.Since(started)),
		zap.Stringer("direction", tool.Binding.Direction))
	return newResult(tool.Binding.Direction, res.output), nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, shared.ErrHandlerFailure),
		errors.Is(err, shared.ErrEmbeddingUnavailable),
		errors.Is(err, shared.ErrStorageConflict),
		errors.Is(err, shared.ErrInvalidArguments):
		return err
	default:
		return fmt.Errorf("%w: %w", shared.ErrHandlerFailure, err)
	}
}

type errorPayload struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func failure(err error) Result {
	retryable := errors.Is(err, shared.ErrStorageConflict) ||
		errors.Is(err, shared.ErrEmbeddingUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
	out, mErr := sonic.MarshalString(errorPayload{Error: err.Error(), Retryable: retryable})
	if mErr != nil {
		out = `{"error":"tool call failed"}`
	}
	return ToServer{Output: out}
}
