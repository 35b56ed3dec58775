package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"facecast/internal/config"
	"facecast/internal/eventbus"
	"facecast/internal/framecast"
	"facecast/internal/identity"
	"facecast/internal/stream"
	logx "facecast/pkg/logx"
)

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func identityPolicy(c config.IdentityConfig) identity.Policy {
	return identity.Policy{
		TightTolerance: c.TightTolerance,
		LooseTolerance: c.LooseTolerance,
		PromoteSize:    c.PromoteSize,
		DecayEvery:     c.DecayEvery,
		UnknownLabel:   c.UnknownLabel,
		Dimension:      c.Dimension,
	}
}

func broadcastPolicy(c config.BroadcastConfig) framecast.Policy {
	return framecast.Policy{
		StaleAfter:    config.DurationOr(c.StaleAfter, 0),
		IdleAfter:     config.DurationOr(c.IdleAfter, 0),
		EvictPerCycle: c.EvictPerCycle,
	}
}

// captureOpener returns an opener that connects to the configured camera
// every time a producer starts.
func captureOpener(c config.CameraConfig) (stream.CaptureOpener, error) {
	switch c.Driver {
	case config.CameraDir:
		dir, fps, loop := c.Dir, c.FPS, c.Loop
		return func(context.Context) (stream.Capture, error) {
			capture, err := stream.OpenDir(dir, fps, loop)
			if err != nil {
				return nil, err
			}
			return capture, nil
		}, nil
	case config.CameraMJPEG:
		url := c.URL
		timeout := config.DurationOr(c.OpenTimeout, config.DefaultOpenTimeout)
		// No client timeout: the response body is the whole stream.
		client := &http.Client{}
		return func(ctx context.Context) (stream.Capture, error) {
			// The request context also governs the body, so the open
			// timeout must not outlive a successful connect.
			sctx, cancel := context.WithCancel(ctx)
			timer := time.AfterFunc(timeout, cancel)
			capture, err := stream.OpenMJPEG(sctx, client, url)
			if !timer.Stop() && err == nil {
				_ = capture.Close()
				err = fmt.Errorf("capture: %s: open timed out after %s", url, timeout)
			}
			if err != nil {
				cancel()
				return nil, err
			}
			return &cancelCapture{Capture: capture, cancel: cancel}, nil
		}, nil
	default:
		return nil, fmt.Errorf("camera.driver: unknown driver %q", c.Driver)
	}
}

type cancelCapture struct {
	stream.Capture
	cancel context.CancelFunc
}

func (c *cancelCapture) Close() error {
	defer c.cancel()
	return c.Capture.Close()
}

func newExtractor(c config.ExtractorConfig) stream.Extractor {
	if c.Driver == config.ExtractorHTTP {
		return stream.NewHTTPExtractor(strings.TrimSpace(c.URL), config.DurationOr(c.Timeout, config.DefaultExtractorTTL))
	}
	return stream.NopExtractor{}
}

// busObserver republishes producer lifecycle changes on the event bus.
type busObserver struct{ bus eventbus.Bus }

func (o busObserver) ProducerStarted() {
	o.bus.Publish(eventbus.Event{Type: eventbus.ProducerStarted})
}

func (o busObserver) ProducerStopped(reason framecast.StopReason, err error) {
	s := eventbus.Stopped{Reason: string(reason)}
	if err != nil {
		s.Err = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.ProducerStopped, Data: s})
}

func (busObserver) FrameProduced(int) {}

func (o busObserver) ConsumerEvicted(id framecast.ConsumerID) {
	o.bus.Publish(eventbus.Event{Type: eventbus.ConsumerEvicted, Data: string(id)})
}

// applyConfig applies hot sections of reloaded configs and reports the rest.
func (a *App) applyConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			changed, fields := config.SummarizeConfigChange(last, next)
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.log.Info("config changed", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
			if last.Logging != next.Logging {
				a.logs.Apply(logConfig(next.Logging))
			}
			if pending := config.RestartRequired(changed); len(pending) > 0 {
				a.log.Warn("restart required to apply config sections", logx.String("sections", strings.Join(pending, ",")))
			}
			last = next
		}
	}
}
