// Package nats implements the message queue port using NATS JetStream.
//
// Subjects under "billing.>" and "audit.>" are persisted in the TENANTGATE
// stream and consumed through durable consumers shared by every instance, so
// each message is processed once. Subjects under "cache.>" are plain core
// NATS fan-out: every instance must see every invalidation, and a missed one
// only costs freshness until the cache TTL expires.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/tenantgate/internal/logger"
	"github.com/Strob0t/tenantgate/internal/port/messagequeue"
)

const (
	streamName       = "TENANTGATE"
	headerRequestID  = "X-Request-ID"
	headerRetryCount = "X-Retry-Count"
	maxRetries       = 3
	broadcastPrefix  = "cache."
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Option customizes the NATS connection.
type Option func(*[]nats.Option)

// WithReconnectHandler registers fn to run after the connection is
// re-established. Fan-out messages published while disconnected are lost, so
// callers use this to drop state that depended on them.
func WithReconnectHandler(fn func()) Option {
	return func(opts *[]nats.Option) {
		*opts = append(*opts, nats.ReconnectHandler(func(*nats.Conn) { fn() }))
	}
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string, opts ...Option) (*Queue, error) {
	natsOpts := []nats.Option{
		nats.Name("tenantgate"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
	}
	for _, o := range opts {
		o(&natsOpts)
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"billing.>", "audit.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. Persistent subjects wait for
// the stream acknowledgement; fan-out subjects are flushed to the server.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}

	if strings.HasPrefix(subject, broadcastPrefix) {
		if err := q.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		if err := q.nc.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("nats flush %s: %w", subject, err)
		}
		return nil
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	if strings.HasPrefix(subject, broadcastPrefix) {
		return q.subscribeBroadcast(subject, handler)
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) subscribeBroadcast(subject string, handler messagequeue.Handler) (func(), error) {
	sub, err := q.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx := context.Background()
		if msg.Header != nil {
			if id := msg.Header.Get(headerRequestID); id != "" {
				ctx = logger.WithRequestID(ctx, id)
			}
		}
		if err := messagequeue.Validate(msg.Subject, msg.Data); err != nil {
			slog.Warn("dropping invalid broadcast", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			slog.ErrorContext(ctx, "broadcast handler failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// handle validates, dispatches and acknowledges one persistent message.
// Invalid payloads go straight to the dead-letter subject; handler failures
// are retried up to maxRetries times by republishing with a counter header.
func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.Background()
	hdrs := msg.Headers()
	if id := hdrs.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.WarnContext(ctx, "message failed validation", "subject", msg.Subject(), "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
		retries := retryCount(hdrs)
		slog.ErrorContext(ctx, "message handler failed", "subject", msg.Subject(), "retries", retries, "error", err)
		if retries >= maxRetries {
			q.moveToDLQ(ctx, msg)
			return
		}
		q.retry(ctx, msg, retries+1)
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
	}
}

func (q *Queue) retry(ctx context.Context, msg jetstream.Msg, attempt int) {
	next := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: nats.Header{}}
	for k, v := range msg.Headers() {
		next.Header[k] = v
	}
	next.Header.Set(headerRetryCount, strconv.Itoa(attempt))

	if _, err := q.js.PublishMsg(ctx, next); err != nil {
		// Leave the original unacknowledged so the server redelivers it.
		slog.ErrorContext(ctx, "nats retry publish failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
	}
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: nats.Header{}}
	for k, v := range msg.Headers() {
		dlq.Header[k] = v
	}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		slog.ErrorContext(ctx, "nats dlq publish failed", "subject", dlq.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
	}
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return "tenantgate_" + r.Replace(subject)
}

// KeyValue returns the named KV bucket, creating it with the given TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
