// Package recognizer defines the narrow boundary to the external face
// detection and embedding capability. The pipeline only ever talks to the
// Engine interface, so the backing model is swappable without touching
// decision logic.
package recognizer

import (
	"errors"
	"image"
	"math"
)

// EmbeddingSize is the fixed width of a face descriptor. The distance
// computation relies on every embedding having exactly this length.
const EmbeddingSize = 128

// Embedding is a fixed-length descriptor for one located face. It is
// call-scoped: produced during a verification, compared, and discarded.
type Embedding [EmbeddingSize]float32

// Region is the rectangular bounds of a located face within an image.
type Region = image.Rectangle

var (
	// ErrNoFaceDetected marks an image in which the engine found no face.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrDetectionFailed marks an engine failure while locating faces.
	ErrDetectionFailed = errors.New("face detection failed")
	// ErrEmbeddingFailed marks a degenerate region or an engine failure
	// while producing a descriptor.
	ErrEmbeddingFailed = errors.New("face embedding extraction failed")
)

// Engine locates faces and produces embeddings. Implementations must be
// safe for concurrent use and deterministic for identical pixel input.
type Engine interface {
	// Locate finds face regions in the image. An empty result is not an
	// error; the pipeline decides how to react.
	Locate(img image.Image) ([]Region, error)
	// Embed produces the descriptor for one located region.
	Embed(img image.Image, region Region) (Embedding, error)
}

// Distance returns the Euclidean distance between two embeddings. Lower
// means more similar; identical embeddings yield 0.
func Distance(a, b Embedding) float64 {
	var sum float64
	for i := 0; i < EmbeddingSize; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
