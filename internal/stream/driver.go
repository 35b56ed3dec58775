// Package stream turns camera images into annotated JPEG frames.
//
// A Driver is the framecast.Source of the application: every producer run
// opens a fresh Capture, and every frame goes through face extraction, the
// identity clusterer and annotation before it is encoded.
package stream

import (
	"context"
	"fmt"
	"strconv"

	"facecast/internal/eventbus"
	"facecast/internal/framecast"
	"facecast/internal/identity"
	"facecast/internal/vecmatch"
	logx "facecast/pkg/logx"
)

// Identifier resolves face encodings to identities.
type Identifier interface {
	Process(v vecmatch.Vector) (identity.Result, error)
}

// RefreshRequester is asked to reload the name table after the tentative tier decays.
type RefreshRequester interface {
	Request()
}

// Recorder receives per-frame counters.
type Recorder interface {
	FaceProcessed(known bool)
	FrameAnnotated(faces int)
}

type Options struct {
	Open       CaptureOpener
	Extractor  Extractor
	Identities Identifier
	Bus        eventbus.Bus
	Names      RefreshRequester
	Recorder   Recorder
	// UnknownLabel labels faces the identifier rejected.
	UnknownLabel string
	JPEGQuality  int
	Log          logx.Logger
}

type Driver struct {
	opts Options
	log  logx.Logger
}

var _ framecast.Source = (*Driver)(nil)

func NewDriver(opts Options) (*Driver, error) {
	if opts.Open == nil {
		return nil, fmt.Errorf("stream: capture opener is required")
	}
	if opts.Identities == nil {
		return nil, fmt.Errorf("stream: identifier is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = NopExtractor{}
	}
	if opts.UnknownLabel == "" {
		opts.UnknownLabel = identity.DefaultPolicy().UnknownLabel
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{opts: opts, log: log}, nil
}

// Open opens the camera. An error means the camera cannot be used at all.
func (d *Driver) Open(ctx context.Context) (framecast.FrameStream, error) {
	c, err := d.opts.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &frameStream{d: d, cap: c}, nil
}

type frameStream struct {
	d   *Driver
	cap Capture
}

func (s *frameStream) Close() error { return s.cap.Close() }

func (s *frameStream) Next(ctx context.Context) ([]byte, error) {
	d := s.d
	img, err := s.cap.Read(ctx)
	if err != nil {
		return nil, err
	}

	faces, err := d.opts.Extractor.DetectAndEncode(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.log.Warn("face extraction failed; passing frame through", logx.Err(err))
		faces = nil
	}

	labels := make([]string, len(faces))
	var confirmed []eventbus.Confirmed
	for i, f := range faces {
		res, err := d.opts.Identities.Process(f.Vector)
		if err != nil {
			d.log.Warn("face encoding rejected", logx.Err(err))
			labels[i] = d.opts.UnknownLabel
			continue
		}
		labels[i] = res.Label
		if d.opts.Recorder != nil {
			d.opts.Recorder.FaceProcessed(res.Known)
		}
		for _, id := range res.Promoted {
			confirmed = append(confirmed, eventbus.Confirmed{ID: id})
		}
		if res.Duplicates > 0 {
			d.publish(eventbus.IdentityDuplicate, res.Duplicates)
		}
		if res.Decayed {
			d.publish(eventbus.TentativeDecayed, nil)
			if d.opts.Names != nil {
				d.opts.Names.Request()
			}
		}
	}

	out := img
	if len(faces) > 0 {
		out = Annotate(img, faces, labels)
	}
	frame, err := EncodeJPEG(out, d.opts.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("stream: encode frame: %w", err)
	}
	if d.opts.Recorder != nil {
		d.opts.Recorder.FrameAnnotated(len(faces))
	}

	for _, c := range confirmed {
		c.Label = d.labelFor(c.ID)
		c.Frame = frame
		d.publish(eventbus.IdentityConfirmed, c)
	}
	return frame, nil
}

func (d *Driver) publish(t eventbus.Type, data any) {
	if d.opts.Bus == nil {
		return
	}
	d.opts.Bus.Publish(eventbus.Event{Type: t, Data: data})
}

type labeler interface {
	Label(id int) (string, error)
}

func (d *Driver) labelFor(id int) string {
	if l, ok := d.opts.Identities.(labeler); ok {
		if s, err := l.Label(id); err == nil {
			return s
		}
	}
	return strconv.Itoa(id)
}
