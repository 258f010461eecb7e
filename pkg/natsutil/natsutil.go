// Package natsutil provides typed JSON request/reply helpers over NATS with
// OpenTelemetry trace propagation in message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func newMsg(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// Request sends req and decodes the JSON reply. A zero timeout uses
// nats.DefaultTimeout.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}
	reply, err := nc.RequestMsg(msg, timeout)
	if err != nil {
		return zero, err
	}
	var out Resp
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// Errors passed to Respond's onError.
var (
	ErrBadRequest = errors.New("natsutil: bad request")
	ErrPanic      = errors.New("natsutil: handler panic")
)

// Respond serves request/reply traffic on subject. Requests are decoded as
// Req, handled, and the returned Resp is sent back as JSON. A request that
// fails to decode, or whose handler panics, is answered with onError's value;
// the error wraps ErrBadRequest or ErrPanic. A non-empty queue load-balances
// across responders.
func Respond[Req, Resp any](nc *nats.Conn, subject, queue string, handler func(context.Context, Req) Resp, onError func(error) Resp) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
		reply(ctx, nc, msg, handle(ctx, msg.Data, handler, onError))
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, cb)
	}
	return nc.Subscribe(subject, cb)
}

func handle[Req, Resp any](ctx context.Context, data []byte, handler func(context.Context, Req) Resp, onError func(error) Resp) (resp Resp) {
	defer func() {
		if r := recover(); r != nil {
			resp = onError(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	var req Req
	if err := json.Unmarshal(data, &req); err != nil {
		return onError(fmt.Errorf("%w: %w", ErrBadRequest, err))
	}
	return handler(ctx, req)
}

func reply(ctx context.Context, nc *nats.Conn, msg *nats.Msg, resp any) {
	if msg.Reply == "" {
		return
	}
	out, err := newMsg(ctx, msg.Reply, resp)
	if err != nil {
		return
	}
	_ = nc.PublishMsg(out)
}
