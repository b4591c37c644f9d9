// Package notify batches file events into outbound notifications. Intake is
// lock free and never blocks; a supervised loop drains the queue and sends to
// every active sink, tearing itself down while no sink is configured.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/observability"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultPollInterval = time.Minute
	sendTimeout         = 15 * time.Second
)

var ErrSinkNotConfigured = errors.New("notification sink not configured")

type Notifier struct {
	q       queue
	snap    atomic.Pointer[settings.Snapshot]
	log     logging.Logger
	metrics *observability.Metrics
	client  *http.Client
	mail    mailFunc
	poll    time.Duration
	now     func() time.Time

	// lastFlush is owned by the running loop.
	lastFlush time.Time

	mu      sync.Mutex
	base    context.Context
	running atomic.Bool
	wake    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Notifier)

func WithMetrics(m *observability.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

func WithPollInterval(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.poll = d
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

func New(initial settings.Snapshot, log logging.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		log: log.With("module", "notify"),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   sendTimeout,
		},
		mail: sendMail,
		poll: DefaultPollInterval,
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(n)
	}
	n.snap.Store(&initial)
	n.lastFlush = n.now()
	return n
}

func (n *Notifier) current() settings.Snapshot {
	return *n.snap.Load()
}

// Notify formats and enqueues an event. It returns immediately; the event is
// dropped when no sink is active.
func (n *Notifier) Notify(ev models.EventType, file *models.File, _ models.Requester) {
	if file == nil || !n.current().AnySinkActive() {
		return
	}
	n.q.push(newMessage(ev, file))
	n.ensureRunning()
}

// Apply installs a new settings snapshot. It has the settings.Subscriber
// signature.
func (n *Notifier) Apply(_ context.Context, s settings.Snapshot) error {
	n.snap.Store(&s)
	if s.AnySinkActive() {
		n.ensureRunning()
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run enables the delivery loop until ctx is done, then waits for it to exit.
// Undelivered messages are discarded.
func (n *Notifier) Run(ctx context.Context) error {
	n.mu.Lock()
	n.base = ctx
	n.mu.Unlock()
	n.ensureRunning()

	<-ctx.Done()

	n.mu.Lock()
	n.base = nil
	n.mu.Unlock()
	n.wg.Wait()
	if dropped := len(n.q.drain()); dropped > 0 {
		n.log.Warn(context.Background(), "discarding undelivered notifications", "count", dropped)
	}
	return nil
}

func (n *Notifier) ensureRunning() {
	if n.running.Load() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running.Load() || n.base == nil || !n.current().AnySinkActive() {
		return
	}
	n.running.Store(true)
	n.wg.Add(1)
	go n.loop(n.base)
	n.log.Debug(n.base, "notification loop started")
}

func (n *Notifier) loop(ctx context.Context) {
	defer n.wg.Done()
	t := time.NewTicker(n.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			n.running.Store(false)
			return
		case <-t.C:
		case <-n.wake:
		}
		if !n.tick(ctx) {
			return
		}
	}
}

// tick runs one poll. It returns false after tearing the loop down.
func (n *Notifier) tick(ctx context.Context) bool {
	snap := n.current()
	if !snap.AnySinkActive() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.current().AnySinkActive() {
			return true
		}
		n.running.Store(false)
		if dropped := len(n.q.drain()); dropped > 0 {
			n.log.Info(ctx, "no sink active, discarding notifications", "count", dropped)
		}
		n.log.Debug(ctx, "notification loop stopped")
		return false
	}

	now := n.now()
	if !snap.Batching() {
		for _, m := range n.q.drain() {
			n.dispatch(ctx, snap, m)
		}
		n.lastFlush = now
		return true
	}

	window := time.Duration(snap.BatchWindowMinutes) * time.Minute
	if now.Sub(n.lastFlush) < window {
		return true
	}
	n.lastFlush = now
	if msgs := n.q.drain(); len(msgs) > 0 {
		n.dispatch(ctx, snap, digest(msgs, snap.BatchWindowMinutes))
	}
	return true
}

func (n *Notifier) sinks(snap settings.Snapshot) []Sink {
	var out []Sink
	if snap.WebhookActive() {
		out = append(out, &WebhookSink{cfg: snap.Webhook, client: n.client, now: n.now})
	}
	if snap.EmailActive() {
		out = append(out, &EmailSink{cfg: snap.Email, send: n.mail, now: n.now})
	}
	return out
}

// dispatch sends m to every active sink. Failures are logged and dropped.
func (n *Notifier) dispatch(ctx context.Context, snap settings.Snapshot, m Message) {
	for _, s := range n.sinks(snap) {
		err := n.send(ctx, s, m)
		n.metrics.Notified(s.Name(), err)
		if err != nil {
			n.log.Warn(ctx, "notification delivery failed", "sink", s.Name(), "event", m.Event, "error", err)
		}
	}
}

func (n *Notifier) send(ctx context.Context, s Sink, m Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, m)
}

// SendTest delivers a test message to one sink right away.
func (n *Notifier) SendTest(ctx context.Context, sink string) error {
	snap := n.current()
	for _, s := range n.sinks(snap) {
		if s.Name() == sink {
			err := n.send(ctx, s, Message{Event: "TEST", Summary: "This is a test notification from " + common.AppName + "."})
			n.metrics.Notified(s.Name(), err)
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrSinkNotConfigured, sink)
}
