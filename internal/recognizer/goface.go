package recognizer

import (
	"bytes"
	"fmt"
	"image"

	"github.com/Kagami/go-face"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// DlibEngine backs the Engine interface with dlib via go-face. dlib locates
// and embeds in a single pass, so Locate reports the rectangles of that pass
// and Embed re-runs it and picks the descriptor for the requested region.
// Both are deterministic for identical pixel input.
type DlibEngine struct {
	rec    *face.Recognizer
	logger *zap.Logger
}

// NewDlibEngine loads the dlib models from modelsDir and returns a ready
// engine. The caller owns the engine and must Close it.
func NewDlibEngine(modelsDir string, logger *zap.Logger) (*DlibEngine, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load face models from %s: %w", modelsDir, err)
	}
	return &DlibEngine{rec: rec, logger: logger.Named("dlib_engine")}, nil
}

// Close releases the dlib recognizer.
func (e *DlibEngine) Close() {
	e.rec.Close()
}

// Locate finds face regions in the image.
func (e *DlibEngine) Locate(img image.Image) ([]Region, error) {
	faces, err := e.recognize(img)
	if err != nil {
		e.logger.Error("detection pass failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrDetectionFailed, err)
	}

	regions := make([]Region, 0, len(faces))
	for _, f := range faces {
		regions = append(regions, f.Rectangle)
	}
	return regions, nil
}

// Embed produces the descriptor for the face at the given region.
func (e *DlibEngine) Embed(img image.Image, region Region) (Embedding, error) {
	if region.Dx() <= 0 || region.Dy() <= 0 {
		return Embedding{}, fmt.Errorf("%w: degenerate region %v", ErrEmbeddingFailed, region)
	}

	faces, err := e.recognize(img)
	if err != nil {
		e.logger.Error("embedding pass failed", zap.Error(err))
		return Embedding{}, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	for _, f := range faces {
		if f.Rectangle.Eq(region) {
			return Embedding(f.Descriptor), nil
		}
	}
	return Embedding{}, fmt.Errorf("%w: no descriptor for region %v", ErrEmbeddingFailed, region)
}

// recognize re-encodes the pixel buffer as JPEG, the only entry point dlib
// accepts, and runs the combined detect+embed pass.
func (e *DlibEngine) recognize(img image.Image) ([]face.Face, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, err
	}
	return e.rec.Recognize(buf.Bytes())
}
