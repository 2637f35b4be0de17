// Package detector talks to the object detection service
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/pkg/geom"
	"github.com/cyclopcam/zmnotify/pkg/nn"
	"github.com/cyclopcam/zmnotify/server/config"
	"github.com/cyclopcam/zmnotify/server/imagefile"
)

// RestDetector posts JPEG images to an HTTP inference service
type RestDetector struct {
	log      logs.Log
	url      string
	minScore float32
	labels   nn.LabelMap
	client   *http.Client
}

type restDetection struct {
	Label      string     `json:"label"`
	LabelID    *int       `json:"labelId"`
	Confidence float32    `json:"confidence"`
	Box        [4]float64 `json:"box"` // left, top, right, bottom
}

type restResponse struct {
	Detections []restDetection `json:"detections"`
}

func NewRestDetector(log logs.Log, cfg config.DetectorConfig) (*RestDetector, error) {
	labels := nn.COCOLabels()
	if cfg.LabelFile != "" {
		var err error
		labels, err = nn.LoadLabelFile(cfg.LabelFile)
		if err != nil {
			return nil, fmt.Errorf("Failed to load detector labels: %w", err)
		}
	}
	return &RestDetector{
		log:      log,
		url:      cfg.URL,
		minScore: cfg.MinScore,
		labels:   labels,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

func (d *RestDetector) DetectObjects(ctx context.Context, img image.Image) ([]nn.ObjectDetection, error) {
	jpg, err := imagefile.EncodeJPEG(img, imagefile.DefaultQuality)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode image for detector: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", d.url, bytes.NewReader(jpg))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Failed to reach detector: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Failed to read detector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Detector returned %v: %v", resp.Status, string(body))
	}
	r := restResponse{}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("Failed to decode detector response: %w", err)
	}

	objects := make([]nn.ObjectDetection, 0, len(r.Detections))
	for _, det := range r.Detections {
		if det.Confidence < d.minScore {
			continue
		}
		obj := nn.ObjectDetection{
			Class:      -1,
			Label:      det.Label,
			Confidence: det.Confidence,
			Box: geom.NewRect(
				int(math.Round(det.Box[0])),
				int(math.Round(det.Box[1])),
				int(math.Round(det.Box[2])),
				int(math.Round(det.Box[3]))),
		}
		if det.LabelID != nil {
			obj.Class = *det.LabelID
		}
		obj.Label = d.labels.Resolve(&obj)
		objects = append(objects, obj)
	}
	return objects, nil
}

func (d *RestDetector) Close() {
	d.client.CloseIdleConnections()
}
