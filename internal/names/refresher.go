package names

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"facecast/internal/fswatch"
	logx "facecast/pkg/logx"
)

type RefresherOptions struct {
	// Path of the CSV table.
	Path string
	// Schedule is a cron spec ("@every 5m", "0 */10 * * * *"). Empty disables it.
	Schedule string
	// Watch reloads when the file changes on disk.
	Watch bool
	Log   logx.Logger
	// OnReload is called with the new table size after every successful refresh.
	OnReload func(size int)
}

// Refresher reloads a Store from disk on a schedule, on file change, or on Request.
// A failed reload keeps the previous table.
type Refresher struct {
	store *Store
	opts  RefresherOptions
	log   logx.Logger

	parser cron.Parser
	reqCh  chan struct{}
}

func NewRefresher(store *Store, opts RefresherOptions) (*Refresher, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("names: refresher needs a path")
	}
	r := &Refresher{
		store:  store,
		opts:   opts,
		log:    opts.Log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		reqCh:  make(chan struct{}, 1),
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if s := strings.TrimSpace(opts.Schedule); s != "" {
		if _, err := r.parser.Parse(s); err != nil {
			return nil, fmt.Errorf("names: schedule %q: %w", s, err)
		}
	}
	return r, nil
}

// Request asks for a reload without blocking. Requests coalesce.
func (r *Refresher) Request() {
	select {
	case r.reqCh <- struct{}{}:
	default:
	}
}

// Refresh loads the table now and swaps it in on success.
func (r *Refresher) Refresh() error {
	t, err := Load(r.opts.Path)
	if err != nil {
		return err
	}
	r.store.Swap(t)
	if r.opts.OnReload != nil {
		r.opts.OnReload(t.Len())
	}
	r.log.Debug("name table reloaded", logx.String("path", r.opts.Path), logx.Int("size", t.Len()))
	return nil
}

// Run serves reload triggers until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	if s := strings.TrimSpace(r.opts.Schedule); s != "" {
		c := cron.New(cron.WithParser(r.parser), cron.WithLocation(time.Local))
		if _, err := c.AddFunc(s, r.Request); err != nil {
			return fmt.Errorf("names: schedule %q: %w", s, err)
		}
		c.Start()
		defer c.Stop()
	}

	if r.opts.Watch {
		go func() {
			_ = fswatch.Watch(ctx, r.opts.Path, fswatch.Options{Log: r.log}, r.Request)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.reqCh:
			if err := r.Refresh(); err != nil {
				r.log.Warn("name table reload failed; keeping previous table", logx.Err(err))
			}
		}
	}
}
