package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/recognizer"
	"github.com/example/face-verify/internal/repository"
)

type stubEngine struct {
	locateResults [][]recognizer.Region
	locateErrs    []error
	embedResults  []recognizer.Embedding
	embedErrs     []error
	locateCalls   int
	embedRegions  []recognizer.Region
}

func (s *stubEngine) Locate(img image.Image) ([]recognizer.Region, error) {
	idx := s.locateCalls
	s.locateCalls++
	if idx < len(s.locateErrs) && s.locateErrs[idx] != nil {
		return nil, s.locateErrs[idx]
	}
	if idx < len(s.locateResults) {
		return s.locateResults[idx], nil
	}
	return []recognizer.Region{image.Rect(0, 0, 4, 4)}, nil
}

func (s *stubEngine) Embed(img image.Image, region recognizer.Region) (recognizer.Embedding, error) {
	idx := len(s.embedRegions)
	s.embedRegions = append(s.embedRegions, region)
	if idx < len(s.embedErrs) && s.embedErrs[idx] != nil {
		return recognizer.Embedding{}, s.embedErrs[idx]
	}
	if idx < len(s.embedResults) {
		return s.embedResults[idx], nil
	}
	return recognizer.Embedding{}, nil
}

type stubRepo struct {
	savedLogs []*repository.VerificationLog
	saveErr   error
	findLog   *repository.VerificationLog
	findErr   error
}

func (s *stubRepo) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepo) FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepo) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	values map[string]string
	setErr error
	getErr error
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

func testPayload(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 40), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// embeddingAt returns an embedding whose distance from the zero embedding is
// exactly d (d must be exactly representable as float32).
func embeddingAt(d float64) recognizer.Embedding {
	var e recognizer.Embedding
	e[0] = float32(d)
	return e
}

func testStore(tolerance, threshold float64) *config.Store {
	return config.NewStore(config.Configuration{
		Tolerance:           tolerance,
		ConfidenceThreshold: threshold,
		MaxContentLength:    1 << 20,
	})
}

func newTestUseCase(engine recognizer.Engine, store *config.Store, repo VerificationRepository, cache Cache) *VerificationUseCase {
	return NewVerificationUseCase(engine, store, repo, cache, nil, zap.NewNop())
}

func TestVerifyMatchWithinTolerance(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.25)}}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if !result.Match {
		t.Fatal("expected match")
	}
	if result.Distance != 0.25 {
		t.Fatalf("unexpected distance: %v", result.Distance)
	}
	if result.Confidence != 0.75 {
		t.Fatalf("unexpected confidence: %v", result.Confidence)
	}
	if result.ThresholdUsed != 0.6 {
		t.Fatalf("unexpected threshold: %v", result.ThresholdUsed)
	}
	if result.RequestID == "" {
		t.Fatal("expected request id to be assigned")
	}
	if result.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestVerifyNoMatchBeyondTolerance(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.75)}}
	uc := newTestUseCase(engine, testStore(0.6, 0.0), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Match {
		t.Fatal("expected no match beyond tolerance")
	}
	if result.Confidence != 0.25 {
		t.Fatalf("unexpected confidence: %v", result.Confidence)
	}
}

func TestVerifyDistanceExactlyAtToleranceMatches(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.5)}}
	uc := newTestUseCase(engine, testStore(0.5, 0.5), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if !result.Success || !result.Match {
		t.Fatalf("expected inclusive tolerance boundary to match, got %+v", result)
	}
}

func TestVerifyConfidenceGateDowngradesMatch(t *testing.T) {
	// Distance passes the tolerance gate but confidence misses the
	// confidence gate; both must agree for a positive result.
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.25)}}
	uc := newTestUseCase(engine, testStore(0.9, 0.8), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Match {
		t.Fatal("expected confidence gate to downgrade the match")
	}
	if result.Confidence != 0.75 {
		t.Fatalf("unexpected confidence: %v", result.Confidence)
	}
	if result.Distance != 0.25 {
		t.Fatalf("unexpected distance: %v", result.Distance)
	}
}

func TestVerifyConfidenceExactlyAtThresholdPasses(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.5)}}
	uc := newTestUseCase(engine, testStore(0.6, 0.5), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if !result.Match {
		t.Fatalf("expected confidence equal to threshold to pass the gate, got %+v", result)
	}
}

func TestVerifyIdenticalEmbeddings(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0.25), embeddingAt(0.25)}}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if result.Distance != 0 {
		t.Fatalf("expected zero distance, got %v", result.Distance)
	}
	if !result.Match || result.Confidence != 1 {
		t.Fatalf("expected perfect match, got %+v", result)
	}
}

func TestVerifyDistanceIsSymmetric(t *testing.T) {
	a := embeddingAt(0.125)
	var b recognizer.Embedding
	b[3] = 0.5

	forward := &stubEngine{embedResults: []recognizer.Embedding{a, b}}
	reverse := &stubEngine{embedResults: []recognizer.Embedding{b, a}}
	store := testStore(0.6, 0.6)

	resultAB := newTestUseCase(forward, store, nil, nil).Verify(context.Background(), testPayload(t), testPayload(t))
	resultBA := newTestUseCase(reverse, store, nil, nil).Verify(context.Background(), testPayload(t), testPayload(t))

	if resultAB.Distance != resultBA.Distance {
		t.Fatalf("distance not symmetric: %v vs %v", resultAB.Distance, resultBA.Distance)
	}
}

func TestVerifyNoFaceInIDImage(t *testing.T) {
	engine := &stubEngine{
		locateResults: [][]recognizer.Region{
			{image.Rect(0, 0, 4, 4)},
			{},
		},
	}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if result.Success {
		t.Fatal("expected failure when no face is found")
	}
	if result.Match || result.Confidence != 0 {
		t.Fatalf("failed result must carry match=false confidence=0, got %+v", result)
	}
	if result.Error != "ID image: No face detected in the image" {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
}

func TestVerifyEmbeddingFailure(t *testing.T) {
	engine := &stubEngine{embedErrs: []error{recognizer.ErrEmbeddingFailed}}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if result.Success {
		t.Fatal("expected failure when embedding extraction fails")
	}
	if result.Error != "Profile image: Face embedding extraction failed" {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
}

func TestVerifyInvalidProfileImageSkipsPipeline(t *testing.T) {
	engine := &stubEngine{}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), nil, nil)

	result := uc.Verify(context.Background(), "not an image at all", testPayload(t))

	if result.Success {
		t.Fatal("expected failure for undecodable payload")
	}
	if !strings.HasPrefix(result.Error, "Profile image: Invalid image format") {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
	if engine.locateCalls != 0 {
		t.Fatalf("engine must not run after a decode failure, got %d locate calls", engine.locateCalls)
	}
}

func TestVerifyOversizedPayloadRejectedBeforeDecode(t *testing.T) {
	engine := &stubEngine{}
	store := config.NewStore(config.Configuration{
		Tolerance:           0.6,
		ConfidenceThreshold: 0.6,
		MaxContentLength:    16,
	})
	uc := newTestUseCase(engine, store, nil, nil)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if result.Success {
		t.Fatal("expected failure for oversized payload")
	}
	if result.Error != "Profile image: Image exceeds the maximum allowed size" {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
	if engine.locateCalls != 0 {
		t.Fatal("engine must not run for oversized payloads")
	}
}

func TestVerifySelectsLargestRegion(t *testing.T) {
	small := image.Rect(10, 10, 20, 20)
	large := image.Rect(30, 0, 80, 60)
	engine := &stubEngine{
		locateResults: [][]recognizer.Region{
			{small, large},
			{image.Rect(0, 0, 4, 4)},
		},
	}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), nil, nil)

	uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if len(engine.embedRegions) == 0 {
		t.Fatal("expected embed to be called")
	}
	if engine.embedRegions[0] != large {
		t.Fatalf("expected largest region to be embedded, got %v", engine.embedRegions[0])
	}
}

func TestSelectRegionTieBreakIsStable(t *testing.T) {
	first := image.Rect(0, 0, 10, 10)
	second := image.Rect(5, 5, 15, 15)

	if got := selectRegion([]recognizer.Region{second, first}); got != first {
		t.Fatalf("expected top-left tie break to pick %v, got %v", first, got)
	}
	if got := selectRegion([]recognizer.Region{first, second}); got != first {
		t.Fatalf("expected selection to be order independent, got %v", got)
	}
}

func TestVerifyPersistsOutcome(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.25)}}
	repo := &stubRepo{}
	cache := &stubCache{}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), repo, cache)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected one audit row, got %d", len(repo.savedLogs))
	}
	saved := repo.savedLogs[0]
	if saved.RequestID != result.RequestID || saved.Distance != result.Distance || saved.Match != result.Match {
		t.Fatalf("audit row does not reflect outcome: %+v vs %+v", saved, result)
	}
	if _, ok := cache.values[cacheKey(result.RequestID)]; !ok {
		t.Fatal("expected outcome to be cached")
	}
}

func TestVerifyStorageFailureDoesNotAlterOutcome(t *testing.T) {
	engine := &stubEngine{embedResults: []recognizer.Embedding{embeddingAt(0), embeddingAt(0.25)}}
	repo := &stubRepo{saveErr: errors.New("db down")}
	cache := &stubCache{setErr: errors.New("redis down")}
	uc := newTestUseCase(engine, testStore(0.6, 0.6), repo, cache)

	result := uc.Verify(context.Background(), testPayload(t), testPayload(t))

	if !result.Success || !result.Match {
		t.Fatalf("storage failures must not change a classified outcome: %+v", result)
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	cached := &Result{RequestID: "req-1", Success: true, Match: true, Confidence: 0.9, Distance: 0.1}
	serialized, err := json.Marshal(cached)
	if err != nil {
		t.Fatalf("failed to serialize fixture: %v", err)
	}
	cache := &stubCache{values: map[string]string{cacheKey("req-1"): string(serialized)}}
	repo := &stubRepo{findErr: errors.New("must not be queried")}
	uc := newTestUseCase(&stubEngine{}, testStore(0.6, 0.6), repo, cache)

	result, err := uc.GetResult(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected cache hit, got error: %v", err)
	}
	if result.RequestID != "req-1" || !result.Match {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGetResultFallsBackToRepository(t *testing.T) {
	cache := &stubCache{}
	repo := &stubRepo{findLog: &repository.VerificationLog{
		RequestID: "req-2",
		Success:   true,
		Match:     false,
		Distance:  0.7,
	}}
	uc := newTestUseCase(&stubEngine{}, testStore(0.6, 0.6), repo, cache)

	result, err := uc.GetResult(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("expected repository fallback, got error: %v", err)
	}
	if result.RequestID != "req-2" || result.Distance != 0.7 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
