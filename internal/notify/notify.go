// Package notify sends an alert with the annotated frame whenever a new
// identity is confirmed. Alerts are queued, rate limited and dropped rather
// than ever blocking the stream.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"facecast/internal/eventbus"
	logx "facecast/pkg/logx"
)

var ErrQueueFull = errors.New("notify: queue full")

// Sender delivers one photo alert.
type Sender interface {
	SendPhoto(ctx context.Context, jpeg []byte, caption string) error
}

// TelegramSender posts photos to a single chat through the Bot API.
type TelegramSender struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegramSender(token string, chatID int64, timeout time.Duration) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return &TelegramSender{bot: b, chat: tele.ChatID(chatID)}, nil
}

func (t *TelegramSender) SendPhoto(ctx context.Context, jpeg []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var what any = caption
	if len(jpeg) > 0 {
		what = &tele.Photo{File: tele.FromReader(bytes.NewReader(jpeg)), Caption: caption}
	}
	_, err := t.bot.Send(t.chat, what)
	return err
}

// Recorder counts alert outcomes.
type Recorder interface {
	NotificationSent()
	NotificationFailed()
	NotificationDropped()
}

type Options struct {
	RatePerMin int
	QueueSize  int
	Log        logx.Logger
	Recorder   Recorder
}

type Service struct {
	sender  Sender
	log     logx.Logger
	rec     Recorder
	limiter *rate.Limiter
	queue   chan eventbus.Confirmed
}

func New(sender Sender, opts Options) *Service {
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = 6
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sender:  sender,
		log:     log,
		rec:     opts.Recorder,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMin)), opts.RatePerMin),
		queue:   make(chan eventbus.Confirmed, opts.QueueSize),
	}
}

// Enqueue queues an alert without blocking.
func (s *Service) Enqueue(c eventbus.Confirmed) error {
	select {
	case s.queue <- c:
		return nil
	default:
		s.dropped()
		return ErrQueueFull
	}
}

// Run forwards IdentityConfirmed events from bus and delivers queued alerts until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if c, isConfirmed := ev.Data.(eventbus.Confirmed); isConfirmed && ev.Type == eventbus.IdentityConfirmed {
				if err := s.Enqueue(c); err != nil {
					s.log.Warn("alert dropped", logx.Int("identity", c.ID), logx.Err(err))
				}
			}
		case c := <-s.queue:
			s.deliver(ctx, c)
		}
	}
}

func (s *Service) deliver(ctx context.Context, c eventbus.Confirmed) {
	if !s.limiter.Allow() {
		s.log.Debug("alert rate limited", logx.Int("identity", c.ID))
		s.dropped()
		return
	}
	caption := fmt.Sprintf("New identity confirmed: %s (key %d)", c.Label, c.ID)
	if err := s.sender.SendPhoto(ctx, c.Frame, caption); err != nil {
		s.log.Warn("alert send failed", logx.Int("identity", c.ID), logx.Err(err))
		if s.rec != nil {
			s.rec.NotificationFailed()
		}
		return
	}
	if s.rec != nil {
		s.rec.NotificationSent()
	}
	s.log.Info("alert sent", logx.Int("identity", c.ID), logx.String("label", c.Label))
}

func (s *Service) dropped() {
	if s.rec != nil {
		s.rec.NotificationDropped()
	}
}
