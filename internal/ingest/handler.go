package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/sentrypulse/sentrypulse/internal/eventbus"
	"github.com/sentrypulse/sentrypulse/internal/metricstore"
	"github.com/sentrypulse/sentrypulse/internal/obs"
	"github.com/sentrypulse/sentrypulse/pkg/telemetry"
)

var tracer = obs.Tracer("sentrypulse/ingest")

// DefaultChunkSize matches C7's own batch size (spec §4.6 step 5).
const DefaultChunkSize = 100

// DefaultDeadLetterBatchSize is how many per-request failures get
// dead-lettered (spec §4.6 step 6).
const DefaultDeadLetterBatchSize = 10

// DefaultIdempotencyTTL is how long an idempotency record is honored.
const DefaultIdempotencyTTL = 24 * time.Hour

// DefaultMaxDeadLetterRetry marks an entry exhausted after this many
// attempts (spec §3).
const DefaultMaxDeadLetterRetry = 5

// Config parameterizes the handler's batching and retention behavior.
type Config struct {
	ChunkSize           int
	DeadLetterBatchSize int
	IdempotencyTTL      time.Duration
	MaxDeadLetterRetry  int
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.DeadLetterBatchSize <= 0 {
		c.DeadLetterBatchSize = DefaultDeadLetterBatchSize
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.MaxDeadLetterRetry <= 0 {
		c.MaxDeadLetterRetry = DefaultMaxDeadLetterRetry
	}
}

// Handler implements the ingest pipeline (C6).
type Handler struct {
	normalizer  *telemetry.Normalizer
	store       *metricstore.Store
	tenants     TenantStore
	idempotency IdempotencyStore
	deadLetters DeadLetterStore
	validate    *validator.Validate
	logger      *zap.Logger
	cfg         Config
	now         func() time.Time
	bus         *eventbus.Bus
}

// SetBus wires the handler to publish eventbus.TopicMetricsIngested after a
// successful store, so downstream analysis can subscribe without the
// ingest package depending on what consumes its events.
func (h *Handler) SetBus(bus *eventbus.Bus) {
	h.bus = bus
}

// New creates a Handler.
func New(normalizer *telemetry.Normalizer, store *metricstore.Store, tenants TenantStore, idempotency IdempotencyStore, deadLetters DeadLetterStore, logger *zap.Logger, cfg Config) *Handler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if store != nil {
		store.SetChunkSize(cfg.ChunkSize)
	}
	return &Handler{
		normalizer:  normalizer,
		store:       store,
		tenants:     tenants,
		idempotency: idempotency,
		deadLetters: deadLetters,
		validate:    validator.New(),
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Ingest runs the full pipeline: schema validate, idempotency check, ensure
// tenant, normalize, store, dead-letter, persist idempotency record (spec
// §4.6).
func (h *Handler) Ingest(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "ingest.Ingest")
	defer span.End()

	start := h.now()
	requestID := uuid.NewString()
	span.SetAttributes(
		attribute.String("sentrypulse.tenant_id", req.TenantID),
		attribute.Int("sentrypulse.metric_count", len(req.Metrics)),
	)

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "schema validation failed")
		return Response{
			Success:    false,
			RequestID:  requestID,
			Rejected:   len(req.Metrics),
			DurationMs: h.elapsedMs(start),
			Errors: []ItemError{{
				Code:    ErrSchemaValidationFailed,
				Message: err.Error(),
			}},
		}, nil
	}

	key := req.IdempotencyKey
	if key == "" {
		var err error
		key, err = DeriveIdempotencyKey(req.TenantID, req.SourceID, req.Metrics)
		if err != nil {
			return Response{}, fmt.Errorf("derive idempotency key: %w", err)
		}
	}

	if h.idempotency != nil {
		existing, err := h.idempotency.Get(ctx, key, h.now())
		if err != nil {
			return Response{}, fmt.Errorf("check idempotency record: %w", err)
		}
		if existing != nil {
			return existing.OriginalResponse, nil
		}
	}

	resp, err := h.process(ctx, requestID, req, start)
	if err != nil {
		return Response{}, err
	}

	if req.IdempotencyKey != "" && h.idempotency != nil {
		if err := h.idempotency.Save(ctx, IdempotencyRecord{
			Key:              key,
			RequestID:        requestID,
			CreatedAt:        h.now(),
			ExpiresAt:        h.now().Add(h.cfg.IdempotencyTTL),
			OriginalResponse: resp,
		}); err != nil {
			h.logger.Warn("failed to persist idempotency record", zap.Error(err), zap.String("key", key))
		}
	}
	return resp, nil
}

func (h *Handler) process(ctx context.Context, requestID string, req Request, start time.Time) (Response, error) {
	if h.tenants != nil {
		if err := h.tenants.EnsureTenant(ctx, req.TenantID); err != nil {
			return Response{}, fmt.Errorf("ensure tenant: %w", err)
		}
	}

	accepted, rejected := h.normalizer.Normalize(req.TenantID, req.SourceID, req.Metrics, h.now())

	var itemErrors []ItemError
	for _, r := range rejected {
		itemErrors = append(itemErrors, ItemError{Index: r.Index, MetricKey: r.MetricKey, Code: ErrCode(r.Reason), Message: r.Message})
	}

	storedCount := 0
	if len(accepted) > 0 {
		res, err := h.store.StoreBatch(ctx, accepted)
		if err != nil {
			itemErrors = append(itemErrors, ItemError{Code: ErrInternal, Message: err.Error()})
		} else {
			storedCount = res.Inserted + res.Duplicates
			h.publishIngested(ctx, accepted)
		}
	}

	h.deadLetterFailures(ctx, req, itemErrors)

	return Response{
		Success:    true,
		RequestID:  requestID,
		Accepted:   storedCount,
		Rejected:   len(itemErrors),
		DurationMs: h.elapsedMs(start),
		Errors:     itemErrors,
	}, nil
}

// deadLetterFailures records up to DeadLetterBatchSize failures from this
// request so they can be replayed later (spec §4.6 step 6).
func (h *Handler) deadLetterFailures(ctx context.Context, req Request, itemErrors []ItemError) {
	if h.deadLetters == nil || len(itemErrors) == 0 {
		return
	}
	limit := len(itemErrors)
	if limit > h.cfg.DeadLetterBatchSize {
		limit = h.cfg.DeadLetterBatchSize
	}
	for _, e := range itemErrors[:limit] {
		entry := DeadLetterEntry{
			ID:              uuid.NewString(),
			OriginalRequest: req,
			Error:           fmt.Sprintf("%s: %s", e.Code, e.Message),
			FailedAt:        h.now(),
			RetryCount:      0,
			NextRetryAt:     h.now(),
			Status:          DeadLetterPending,
		}
		if err := h.deadLetters.Insert(ctx, entry); err != nil {
			h.logger.Warn("failed to dead-letter ingest failure", zap.Error(err))
		}
	}
}

// publishIngested notifies subscribers (rule evaluation, forecasting) that
// new points landed. Best-effort: publish errors never fail the request.
func (h *Handler) publishIngested(ctx context.Context, points []telemetry.Point) {
	if h.bus == nil {
		return
	}
	h.bus.PublishAsync(ctx, eventbus.Event{
		Topic:     eventbus.TopicMetricsIngested,
		Source:    "ingest",
		Timestamp: h.now().UnixMilli(),
		Payload:   points,
	})
}

func (h *Handler) elapsedMs(start time.Time) int64 {
	return h.now().Sub(start).Milliseconds()
}

// DeriveIdempotencyKey computes the effective key when the caller omits one:
// (tenant_id, source_id, stable_hash(points)) per spec §3.
func DeriveIdempotencyKey(tenantID, sourceID string, points []telemetry.RawPoint) (string, error) {
	canonical, err := canonicalRequestJSON(points)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(append([]byte(tenantID+"\x1f"+sourceID+"\x1f"), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

// Backfill splits [from, to) into batches of width and funnels each batch
// through the ingest pipeline with idempotency disabled, via fetch (spec
// §4.6: "a generator-driven loop splits a time range into batches").
func (h *Handler) Backfill(ctx context.Context, tenantID, sourceID string, from, to time.Time, width time.Duration, fetch func(ctx context.Context, batchStart, batchEnd time.Time) ([]telemetry.RawPoint, error)) (Response, error) {
	total := Response{RequestID: uuid.NewString(), Success: true}
	start := h.now()

	for cursor := from; cursor.Before(to); cursor = cursor.Add(width) {
		batchEnd := cursor.Add(width)
		if batchEnd.After(to) {
			batchEnd = to
		}
		points, err := fetch(ctx, cursor, batchEnd)
		if err != nil {
			return Response{}, fmt.Errorf("backfill fetch %s..%s: %w", cursor, batchEnd, err)
		}
		if len(points) == 0 {
			continue
		}
		resp, err := h.process(ctx, uuid.NewString(), Request{TenantID: tenantID, SourceID: sourceID, Metrics: points}, h.now())
		if err != nil {
			return Response{}, err
		}
		total.Accepted += resp.Accepted
		total.Rejected += resp.Rejected
		total.Errors = append(total.Errors, resp.Errors...)
	}
	total.DurationMs = h.elapsedMs(start)
	return total, nil
}
