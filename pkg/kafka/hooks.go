package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ConsumerHook wraps message handling. Returning an error from
// BeforeHandle skips the handler and sends the message down the error path
// (OnError, DLQ, commit).
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, []byte, error)
	AfterHandle(ctx context.Context, topic string, km kafka.Message, err error)
	OnError(ctx context.Context, topic string, km kafka.Message, err error)
}

type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, _ string, _ kafka.Message, data []byte) (context.Context, []byte, error) {
	return ctx, data, nil
}

func (NoopHook) AfterHandle(context.Context, string, kafka.Message, error) {}

func (NoopHook) OnError(context.Context, string, kafka.Message, error) {}

// HookError is an error produced by a hook. Code classifies it.
type HookError struct {
	Code string
	Err  error
}

func (e *HookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *HookError) Unwrap() error { return e.Err }

// HookFuncs implements ConsumerHook from plain functions. Nil functions are
// no-ops.
type HookFuncs struct {
	Before func(context.Context, string, kafka.Message, []byte) (context.Context, []byte, error)
	After  func(context.Context, string, kafka.Message, error)
	Err    func(context.Context, string, kafka.Message, error)
}

func (h HookFuncs) BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, []byte, error) {
	if h.Before == nil {
		return ctx, data, nil
	}
	return h.Before(ctx, topic, km, data)
}

func (h HookFuncs) AfterHandle(ctx context.Context, topic string, km kafka.Message, err error) {
	if h.After != nil {
		h.After(ctx, topic, km, err)
	}
}

func (h HookFuncs) OnError(ctx context.Context, topic string, km kafka.Message, err error) {
	if h.Err != nil {
		h.Err(ctx, topic, km, err)
	}
}

// HeaderSnapshotID carries the snapshot id on every produced message.
const HeaderSnapshotID = "snapshot_id"

type ctxKey string

const ctxHeaders ctxKey = "kafka_headers"

// WithHeaders stores message headers in ctx for the handler.
func WithHeaders(ctx context.Context, km kafka.Message) context.Context {
	if len(km.Headers) == 0 {
		return ctx
	}
	h := make(map[string]string, len(km.Headers))
	for _, kv := range km.Headers {
		h[kv.Key] = string(kv.Value)
	}
	return context.WithValue(ctx, ctxHeaders, h)
}

// HeaderFromContext returns a header stored by WithHeaders.
func HeaderFromContext(ctx context.Context, key string) string {
	h, _ := ctx.Value(ctxHeaders).(map[string]string)
	return h[key]
}

func safeBefore(h ConsumerHook, ctx context.Context, topic string, km kafka.Message, data []byte) (rctx context.Context, rdata []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			rctx, rdata = ctx, data
			err = &HookError{Code: "ERR_PANIC", Err: fmt.Errorf("hook panic: %v", r)}
		}
	}()
	return h.BeforeHandle(ctx, topic, km, data)
}

func safeAfter(h ConsumerHook, ctx context.Context, topic string, km kafka.Message, err error) {
	defer func() { _ = recover() }()
	h.AfterHandle(ctx, topic, km, err)
}

func safeOnError(h ConsumerHook, ctx context.Context, topic string, km kafka.Message, err error) {
	defer func() { _ = recover() }()
	h.OnError(ctx, topic, km, err)
}
