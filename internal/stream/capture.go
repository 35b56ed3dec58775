package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/time/rate"
)

// Capture yields camera images. Read returns io.EOF when the source is exhausted.
type Capture interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// CaptureOpener opens a fresh Capture for every producer run.
type CaptureOpener func(ctx context.Context) (Capture, error)

// DirCapture replays the JPEG/PNG files of a directory in name order.
type DirCapture struct {
	files   []string
	loop    bool
	limiter *rate.Limiter
	next    int
}

// OpenDir lists dir once. fps <= 0 reads as fast as the consumer asks.
func OpenDir(dir string, fps float64, loop bool) (*DirCapture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("capture: no images in %s", dir)
	}
	sort.Strings(files)

	limit := rate.Inf
	if fps > 0 {
		limit = rate.Limit(fps)
	}
	return &DirCapture{files: files, loop: loop, limiter: rate.NewLimiter(limit, 1)}, nil
}

func (c *DirCapture) Read(ctx context.Context) (image.Image, error) {
	if c.next >= len(c.files) {
		if !c.loop {
			return nil, io.EOF
		}
		c.next = 0
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	path := c.files[c.next]
	c.next++

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("capture: decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (c *DirCapture) Close() error { return nil }

// MJPEGCapture reads a multipart/x-mixed-replace JPEG stream, the format IP
// cameras and most webcam bridges serve.
type MJPEGCapture struct {
	body io.ReadCloser
	mr   *multipart.Reader
}

var ErrNotMultipart = errors.New("capture: response is not a multipart stream")

func OpenMJPEG(ctx context.Context, client *http.Client, url string) (*MJPEGCapture, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("capture: %s: unexpected status %s", url, resp.Status)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w (%q)", ErrNotMultipart, resp.Header.Get("Content-Type"))
	}
	return &MJPEGCapture{body: resp.Body, mr: multipart.NewReader(resp.Body, params["boundary"])}, nil
}

func (c *MJPEGCapture) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	part, err := c.mr.NextPart()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("capture: %w", err)
	}
	defer part.Close()
	img, _, err := image.Decode(part)
	if err != nil {
		return nil, fmt.Errorf("capture: decode part: %w", err)
	}
	return img, nil
}

func (c *MJPEGCapture) Close() error { return c.body.Close() }
