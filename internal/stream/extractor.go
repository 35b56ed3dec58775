package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"facecast/internal/vecmatch"
)

// Face is one detected face: its bounding box and its encoding.
type Face struct {
	Box    image.Rectangle
	Vector vecmatch.Vector
}

// Extractor finds faces in an image and encodes each one.
type Extractor interface {
	DetectAndEncode(ctx context.Context, img image.Image) ([]Face, error)
}

// NopExtractor never finds a face; the stream becomes a plain relay.
type NopExtractor struct{}

func (NopExtractor) DetectAndEncode(context.Context, image.Image) ([]Face, error) { return nil, nil }

// HTTPExtractor posts each frame as JPEG to an external face encoding service.
//
// Response body:
//
//	{"faces":[{"box":[top,right,bottom,left],"encoding":[0.1, ...]}]}
type HTTPExtractor struct {
	URL     string
	Client  *http.Client
	Quality int
}

func NewHTTPExtractor(url string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPExtractor{URL: url, Client: &http.Client{Timeout: timeout}, Quality: 85}
}

type extractResponse struct {
	Faces []struct {
		Box      []int     `json:"box"`
		Encoding []float64 `json:"encoding"`
	} `json:"faces"`
}

func (e *HTTPExtractor) DetectAndEncode(ctx context.Context, img image.Image) ([]Face, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("extractor: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, &buf)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extractor: status %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("extractor: decode response: %w", err)
	}
	faces := make([]Face, 0, len(out.Faces))
	for i, f := range out.Faces {
		if len(f.Box) != 4 {
			return nil, fmt.Errorf("extractor: face %d: box has %d values, want 4", i, len(f.Box))
		}
		top, right, bottom, left := f.Box[0], f.Box[1], f.Box[2], f.Box[3]
		faces = append(faces, Face{
			Box:    image.Rect(left, top, right, bottom),
			Vector: vecmatch.Vector(f.Encoding),
		})
	}
	return faces, nil
}
