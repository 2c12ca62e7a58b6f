package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JordyKingz/yala-svm-monitor/pkg/config"
	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
)

// DropPolicy selects which end of a full channel queue loses a message.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"

	DefaultChannelCapacity = 1000
	deliveryAttempts       = 3
	deliveryBackoffBase    = 500 * time.Millisecond
)

// Notification is one rendered alert waiting for delivery. Delivery is
// best-effort: it never gates checkpoint advance.
type Notification struct {
	Channel   config.Channel
	MonitorID string
	Signature string
	Severity  config.Severity
	Body      string
}

// Sender delivers a notification to its channel's transport. The HTTP
// transports for chat services live outside the engine; LogSender is the
// in-tree default.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. Used as the delivery seam in
// replay/test modes and when no transport is configured.
type LogSender struct {
	Logger *zap.SugaredLogger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Infof("[%s/%s] %s: %s", n.Channel, n.Severity, n.MonitorID, n.Body)
	return nil
}

var (
	notificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svm_monitor_notifications_sent_total",
			Help: "Notifications delivered, labeled by channel.",
		},
		[]string{"channel"},
	)
	notificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svm_monitor_notifications_dropped_total",
			Help: "Notifications dropped, labeled by channel and reason.",
		},
		[]string{"channel", "reason"},
	)
)

func init() {
	prometheus.MustRegister(notificationsSent, notificationsDropped)
}

// defaultChannelLimits are the provider rate limits, overridable per queue.
var defaultChannelLimits = map[config.Channel]rate.Limit{
	config.ChannelTelegram: rate.Every(time.Minute / 20),
	config.ChannelSlack:    rate.Every(time.Minute / 60),
	config.ChannelDiscord:  rate.Every(time.Minute / 30),
	config.ChannelDatabase: rate.Inf,
}

// Queue is the in-process notification queue: one bounded buffer and one
// delivery worker per channel, with a leaky-bucket limiter in front of the
// sender.
type Queue struct {
	sender   Sender
	capacity int
	policy   DropPolicy
	limits   map[config.Channel]rate.Limit
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[config.Channel]*channelQueue
}

type channelQueue struct {
	mu      sync.Mutex
	items   []Notification
	notify  chan struct{}
	limiter *rate.Limiter
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCapacity overrides the per-channel buffer size (default 1000).
func WithCapacity(n int) QueueOption {
	return func(q *Queue) { q.capacity = n }
}

// WithDropPolicy overrides the full-queue policy (default DropOldest).
func WithDropPolicy(p DropPolicy) QueueOption {
	return func(q *Queue) { q.policy = p }
}

// WithChannelLimit overrides one channel's delivery rate.
func WithChannelLimit(channel config.Channel, limit rate.Limit) QueueOption {
	return func(q *Queue) { q.limits[channel] = limit }
}

func NewQueue(sender Sender, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender:   sender,
		capacity: DefaultChannelCapacity,
		policy:   DropOldest,
		limits:   make(map[config.Channel]rate.Limit),
		logger:   slog.Get(),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[config.Channel]*channelQueue),
	}
	for channel, limit := range defaultChannelLimits {
		q.limits[channel] = limit
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) channelFor(channel config.Channel) *channelQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.channels[channel]; ok {
		return cq
	}
	limit, ok := q.limits[channel]
	if !ok {
		limit = rate.Every(time.Minute / 30)
	}
	cq := &channelQueue{
		notify:  make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, 1),
	}
	q.channels[channel] = cq
	q.wg.Add(1)
	go q.deliverLoop(channel, cq)
	return cq
}

// Enqueue adds a notification, applying the drop policy when the channel's
// buffer is full. Never blocks.
func (q *Queue) Enqueue(n Notification) {
	cq := q.channelFor(n.Channel)
	cq.mu.Lock()
	if len(cq.items) >= q.capacity {
		if q.policy == DropNewest {
			cq.mu.Unlock()
			notificationsDropped.WithLabelValues(string(n.Channel), "queue_full").Inc()
			return
		}
		cq.items = cq.items[1:]
		notificationsDropped.WithLabelValues(string(n.Channel), "queue_full").Inc()
	}
	cq.items = append(cq.items, n)
	cq.mu.Unlock()
	select {
	case cq.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) deliverLoop(channel config.Channel, cq *channelQueue) {
	defer q.wg.Done()
	for {
		cq.mu.Lock()
		var next *Notification
		if len(cq.items) > 0 {
			n := cq.items[0]
			cq.items = cq.items[1:]
			next = &n
		}
		cq.mu.Unlock()

		if next == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-cq.notify:
				continue
			}
		}

		if err := cq.limiter.Wait(q.ctx); err != nil {
			return
		}
		if q.deliver(*next) {
			notificationsSent.WithLabelValues(string(channel)).Inc()
		} else {
			notificationsDropped.WithLabelValues(string(channel), "delivery_failed").Inc()
		}
	}
}

// deliver attempts a send with bounded retries and exponential backoff.
func (q *Queue) deliver(n Notification) bool {
	backoff := deliveryBackoffBase
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		err := q.sender.Send(q.ctx, n)
		if err == nil {
			return true
		}
		q.logger.Warnf("delivery to %s failed (attempt %d/%d): %v", n.Channel, attempt, deliveryAttempts, err)
		if attempt == deliveryAttempts {
			break
		}
		select {
		case <-q.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}

// Pending returns the number of queued notifications for a channel.
func (q *Queue) Pending(channel config.Channel) int {
	q.mu.Lock()
	cq, ok := q.channels[channel]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.items)
}

// Close stops the delivery workers. Queued but undelivered notifications are
// dropped; alerts are best-effort by design.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
