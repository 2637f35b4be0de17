// Package nn is the interface between the event pipeline and an object detector.
package nn

import (
	"context"
	"image"

	"github.com/cyclopcam/zmnotify/pkg/geom"
)

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int       `json:"class"`      // Label id. -1 if the detector only reported a label name.
	Label      string    `json:"label"`      // May be empty, in which case the label is found from Class
	Confidence float32   `json:"confidence"` // 0..1
	Box        geom.Rect `json:"box"`
}

// ObjectDetector is given an image, and returns zero or more detected objects.
// Implementations must be safe to call from multiple goroutines, although they
// are free to serialize calls internally.
type ObjectDetector interface {
	// DetectObjects returns a list of objects detected in the image.
	// Box coordinates are in the pixel space of img.
	DetectObjects(ctx context.Context, img image.Image) ([]ObjectDetection, error)

	// Close releases any resources held by the detector
	Close()
}
