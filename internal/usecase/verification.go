package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/imagedecode"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/metrics"
	"github.com/example/face-verify/internal/recognizer"
	"github.com/example/face-verify/internal/repository"
)

// Result is the outcome of one verification call. It is created once per
// request and immutable after the pipeline returns it.
type Result struct {
	RequestID     string    `json:"request_id"`
	Success       bool      `json:"success"`
	Match         bool      `json:"match"`
	Confidence    float64   `json:"confidence"`
	Distance      float64   `json:"distance"`
	ThresholdUsed float64   `json:"threshold_used"`
	Timestamp     time.Time `json:"timestamp"`
	Error         string    `json:"error,omitempty"`
}

// VerificationRepository defines the persistence operations needed by the
// pipeline.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// VerificationUseCase runs the decode -> locate -> embed -> compare pipeline
// for a pair of images. It is stateless across calls; the only shared input
// is the configuration store, read once per call.
type VerificationUseCase struct {
	engine         recognizer.Engine
	store          *config.Store
	repo           VerificationRepository
	cache          Cache
	collector      *metrics.Collector
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewVerificationUseCase constructs the pipeline. repo, cache, and collector
// may be nil, in which case outcomes are not persisted, cached, or counted.
func NewVerificationUseCase(engine recognizer.Engine, store *config.Store, repo VerificationRepository, cache Cache, collector *metrics.Collector, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		engine:         engine,
		store:          store,
		repo:           repo,
		cache:          cache,
		collector:      collector,
		logger:         logger.Named("verification_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Verify runs the full pipeline for a profile/ID image pair. Every failure
// is shaped into a Result with success=false and a taxonomy-level error
// message; no error escapes this boundary.
func (uc *VerificationUseCase) Verify(ctx context.Context, profileImage, idImage string) *Result {
	requestID := uuid.NewString()
	cfg := uc.store.Current()

	result := uc.runPipeline(cfg, profileImage, idImage)
	result.RequestID = requestID

	if uc.collector != nil {
		uc.collector.ObserveVerification(result.Success, result.Match, result.Distance)
	}
	uc.recordOutcome(ctx, result)

	return result
}

func (uc *VerificationUseCase) runPipeline(cfg config.Configuration, profileImage, idImage string) *Result {
	profileBuf, err := imagedecode.Decode(profileImage, cfg.MaxContentLength)
	if err != nil {
		return uc.failed("Profile image: " + failureMessage(err))
	}
	idBuf, err := imagedecode.Decode(idImage, cfg.MaxContentLength)
	if err != nil {
		return uc.failed("ID image: " + failureMessage(err))
	}

	profileEmb, err := uc.encodeFace(profileBuf)
	if err != nil {
		return uc.failed("Profile image: " + failureMessage(err))
	}
	idEmb, err := uc.encodeFace(idBuf)
	if err != nil {
		return uc.failed("ID image: " + failureMessage(err))
	}

	distance := recognizer.Distance(profileEmb, idEmb)
	match := distance <= cfg.Tolerance
	confidence := clamp01(1 - distance)

	// Double gate: the raw distance threshold and the normalized confidence
	// threshold must both agree for a positive result.
	if match && confidence < cfg.ConfidenceThreshold {
		match = false
	}

	return &Result{
		Success:       true,
		Match:         match,
		Confidence:    confidence,
		Distance:      distance,
		ThresholdUsed: cfg.Tolerance,
		Timestamp:     uc.now(),
	}
}

// encodeFace locates faces in the buffer, selects one region, and produces
// its embedding.
func (uc *VerificationUseCase) encodeFace(buf image.Image) (recognizer.Embedding, error) {
	regions, err := uc.engine.Locate(buf)
	if err != nil {
		return recognizer.Embedding{}, err
	}
	if len(regions) == 0 {
		return recognizer.Embedding{}, recognizer.ErrNoFaceDetected
	}

	region := selectRegion(regions)
	return uc.engine.Embed(buf, region)
}

// selectRegion picks one face when the locator returns several: largest
// pixel area wins, with equal areas broken by the top-left point closest to
// the origin (minimum Y, then minimum X). Stable for any input order.
func selectRegion(regions []recognizer.Region) recognizer.Region {
	sorted := make([]recognizer.Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool {
		ai := sorted[i].Dx() * sorted[i].Dy()
		aj := sorted[j].Dx() * sorted[j].Dy()
		if ai != aj {
			return ai > aj
		}
		if sorted[i].Min.Y != sorted[j].Min.Y {
			return sorted[i].Min.Y < sorted[j].Min.Y
		}
		return sorted[i].Min.X < sorted[j].Min.X
	})
	return sorted[0]
}

func (uc *VerificationUseCase) failed(message string) *Result {
	return &Result{
		Success:    false,
		Match:      false,
		Confidence: 0,
		Timestamp:  uc.now(),
		Error:      message,
	}
}

// failureMessage maps pipeline errors to their taxonomy-level reasons. The
// messages deliberately carry no internal detail.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, imagedecode.ErrPayloadTooLarge):
		return "Image exceeds the maximum allowed size"
	case errors.Is(err, imagedecode.ErrInvalidImage):
		return "Invalid image format"
	case errors.Is(err, recognizer.ErrNoFaceDetected):
		return "No face detected in the image"
	case errors.Is(err, recognizer.ErrDetectionFailed):
		return "Face detection failed"
	case errors.Is(err, recognizer.ErrEmbeddingFailed):
		return "Face embedding extraction failed"
	}
	return "Verification failed"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// recordOutcome persists and caches a completed result. Both are
// best-effort: a storage failure is logged and retried when transient, but
// never alters an already-classified outcome.
func (uc *VerificationUseCase) recordOutcome(ctx context.Context, result *Result) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_outcome", result.RequestID)

	if uc.repo != nil {
		log := &repository.VerificationLog{
			RequestID:     result.RequestID,
			Success:       result.Success,
			Match:         result.Match,
			Distance:      result.Distance,
			Confidence:    result.Confidence,
			ThresholdUsed: result.ThresholdUsed,
			ErrorMessage:  result.Error,
			CreatedAt:     result.Timestamp,
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist verification outcome", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(result)
		if err != nil {
			opLogger.Error("failed to serialize verification outcome", zap.Error(err))
			return
		}
		key := cacheKey(result.RequestID)
		if err := uc.withCacheRetry(ctx, result.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, key, string(serialized), resultTTL)
		}); err != nil {
			opLogger.Error("failed to cache verification outcome", zap.Error(err))
		}
	}
}

// GetResult retrieves a previously computed outcome from the cache, falling
// back to the audit log.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*Result, error) {
	if uc.cache != nil {
		cached, err := uc.cache.Get(ctx, cacheKey(requestID))
		if err == nil {
			var result Result
			if err := json.Unmarshal([]byte(cached), &result); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached outcome", zap.Error(err))
			} else {
				return &result, nil
			}
		} else if !errors.Is(err, ErrCacheMiss) {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, fmt.Errorf("result %s not found", requestID)
	}

	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Result{
		RequestID:     log.RequestID,
		Success:       log.Success,
		Match:         log.Match,
		Confidence:    log.Confidence,
		Distance:      log.Distance,
		ThresholdUsed: log.ThresholdUsed,
		Timestamp:     log.CreatedAt,
		Error:         log.ErrorMessage,
	}, nil
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func (uc *VerificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
