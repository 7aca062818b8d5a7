package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/infrastructure/resilience"
)

const (
	DefaultIndexSubject        = "medrag.index.requests"
	DefaultInvalidationSubject = "medrag.cache.invalidations"

	indexQueueGroup = "indexers"
)

// Queue carries index requests to one worker each (queue group) and cache
// invalidations to every subscribed process (plain subscription).
type Queue struct {
	conn                *nats.Conn
	indexSubject        string
	invalidationSubject string
	origin              string
	executor            *resilience.Executor
	logger              *zap.Logger
}

type Options struct {
	IndexSubject         string
	InvalidationSubject  string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *zap.Logger
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("medrag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:                conn,
		indexSubject:        orDefault(options.IndexSubject, DefaultIndexSubject),
		invalidationSubject: orDefault(options.InvalidationSubject, DefaultInvalidationSubject),
		origin:              uuid.NewString(),
		executor:            options.ResilienceExecutor,
		logger:              logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishIndexRequest(ctx context.Context, documentID string) error {
	return q.publish(ctx, "nats.publish_index", q.indexSubject, []byte(documentID))
}

func (q *Queue) SubscribeIndexRequests(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, q.indexSubject, indexQueueGroup, func(msg *nats.Msg) (string, bool) {
		return string(msg.Data), true
	}, handler)
}

func (q *Queue) PublishInvalidation(ctx context.Context, documentID string) error {
	payload, err := encodeInvalidation(invalidation{DocumentID: documentID, Origin: q.origin})
	if err != nil {
		return err
	}
	return q.publish(ctx, "nats.publish_invalidation", q.invalidationSubject, payload)
}

// SubscribeInvalidations delivers invalidations published by other
// processes. A process has already applied its own.
func (q *Queue) SubscribeInvalidations(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, q.invalidationSubject, "", func(msg *nats.Msg) (string, bool) {
		inv, err := decodeInvalidation(msg.Data)
		if err != nil {
			q.logger.Warn("drop malformed invalidation", zap.Error(err))
			return "", false
		}
		if inv.Origin == q.origin {
			return "", false
		}
		return inv.DocumentID, true
	}, handler)
}

func (q *Queue) publish(ctx context.Context, operation, subject string, data []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return resilience.MarkTemporary(operation, err, classifyNATSError)
}

func (q *Queue) subscribe(
	ctx context.Context,
	subject, group string,
	decode func(*nats.Msg) (string, bool),
	handler func(context.Context, string) error,
) error {
	callback := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		documentID, ok := decode(msg)
		if !ok {
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, documentID); err != nil {
			q.logger.Error("subscription handler failed",
				zap.String("subject", subject),
				zap.String("document_id", documentID),
				zap.Error(err),
			)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = q.conn.QueueSubscribe(subject, group, callback)
	} else {
		sub, err = q.conn.Subscribe(subject, callback)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

type invalidation struct {
	DocumentID string `json:"document_id"`
	Origin     string `json:"origin"`
}

func encodeInvalidation(inv invalidation) ([]byte, error) {
	if strings.TrimSpace(inv.DocumentID) == "" {
		return nil, errors.New("invalidation without document id")
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invalidation: %w", err)
	}
	return raw, nil
}

func decodeInvalidation(raw []byte) (invalidation, error) {
	var inv invalidation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return invalidation{}, fmt.Errorf("unmarshal invalidation: %w", err)
	}
	if strings.TrimSpace(inv.DocumentID) == "" {
		return invalidation{}, errors.New("invalidation without document id")
	}
	return inv, nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
