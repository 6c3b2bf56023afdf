// Package events fans out session lifecycle events to in-process handlers,
// connected websocket clients and the external brokers (Redis and NATS).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-api/internal/observability"
	"github.com/noah-isme/gema-exam-api/internal/worker"
)

const subscriberBufferSize = 16

// SessionGraded is emitted once a session reaches the graded state.
type SessionGraded struct {
	SessionID uint      `json:"session_id"`
	StudentID uint      `json:"student_id"`
	ExamID    uint      `json:"exam_id"`
	Kind      string    `json:"kind"`
	GradedAt  time.Time `json:"graded_at"`
}

// Handler consumes a graded event inside this process.
type Handler func(ctx context.Context, event SessionGraded) error

// Submitter queues background jobs.
type Submitter interface {
	TrySubmit(job worker.Job) bool
}

type envelope struct {
	Source string        `json:"source"`
	Event  SessionGraded `json:"event"`
	SentAt time.Time     `json:"sent_at"`
}

type namedHandler struct {
	name string
	fn   Handler
}

// Options configures the dispatcher. Every broker is optional.
type Options struct {
	Pool        Submitter
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
}

// Dispatcher delivers SessionGraded events.
type Dispatcher struct {
	pool         Submitter
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu       sync.RWMutex
	handlers []namedHandler
	subs     map[uint]map[chan SessionGraded]struct{}
}

// NewDispatcher constructs a dispatcher. The Redis channel is
// "<base>:sessions:graded" and the NATS subject "<base>.sessions.graded".
func NewDispatcher(opts Options, logger zerolog.Logger) *Dispatcher {
	channel := ""
	subject := ""
	if opts.ChannelBase != "" {
		channel = opts.ChannelBase + ":sessions:graded"
		subject = strings.ReplaceAll(opts.ChannelBase, ":", ".") + ".sessions.graded"
	}

	return &Dispatcher{
		pool:         opts.Pool,
		redis:        opts.Redis,
		redisChannel: channel,
		nats:         opts.NATS,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "event_dispatcher").Logger(),
		nodeID:       uuid.NewString(),
		subs:         make(map[uint]map[chan SessionGraded]struct{}),
	}
}

// Handle registers an in-process handler for graded events.
func (d *Dispatcher) Handle(name string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, namedHandler{name: name, fn: fn})
}

// PublishGraded runs local handlers, notifies websocket subscribers and
// forwards the event to the configured brokers. Broker failures are logged,
// never returned: handlers are re-driven by the deadline sweeper.
func (d *Dispatcher) PublishGraded(ctx context.Context, event SessionGraded) {
	d.mu.RLock()
	handlers := append([]namedHandler(nil), d.handlers...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h := h
		run := func(ctx context.Context) error { return h.fn(ctx, event) }
		if d.pool == nil {
			if err := run(ctx); err != nil {
				d.logger.Error().Err(err).Str("handler", h.name).Uint("session_id", event.SessionID).Msg("event handler failed")
			}
			continue
		}
		if !d.pool.TrySubmit(worker.Job{Name: "event." + h.name, Run: run}) {
			d.logger.Warn().Str("handler", h.name).Uint("session_id", event.SessionID).Msg("event handler not queued")
		}
	}

	d.broadcast(event)
	observability.EventsPublished().WithLabelValues("local").Inc()

	if err := d.forward(ctx, event); err != nil {
		d.logger.Warn().Err(err).Uint("session_id", event.SessionID).Msg("failed to publish session event to broker")
	}
}

// Subscribe returns a channel of graded events for one student.
func (d *Dispatcher) Subscribe(studentID uint) (<-chan SessionGraded, func()) {
	ch := make(chan SessionGraded, subscriberBufferSize)

	d.mu.Lock()
	if _, ok := d.subs[studentID]; !ok {
		d.subs[studentID] = make(map[chan SessionGraded]struct{})
	}
	d.subs[studentID][ch] = struct{}{}
	d.mu.Unlock()
	observability.EventClientsActive().Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			if set, ok := d.subs[studentID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(d.subs, studentID)
				}
			}
			d.mu.Unlock()
			close(ch)
			observability.EventClientsActive().Dec()
		})
	}
	return ch, cancel
}

// Start consumes events published by other nodes so their websocket
// subscribers connected here are notified too. Redis wins when both brokers
// are configured so a remote event is delivered once.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.redis != nil && d.redisChannel != "" {
		go d.consumeRedis(ctx)
		return
	}
	if d.nats != nil && d.natsSubject != "" {
		d.consumeNATS(ctx)
	}
}

func (d *Dispatcher) broadcast(event SessionGraded) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for ch := range d.subs[event.StudentID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (d *Dispatcher) forward(ctx context.Context, event SessionGraded) error {
	payload, err := json.Marshal(envelope{Source: d.nodeID, Event: event, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	var errs []error
	if d.redis != nil && d.redisChannel != "" {
		if err := d.redis.Publish(ctx, d.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		} else {
			observability.EventsPublished().WithLabelValues("redis").Inc()
		}
	}
	if d.nats != nil && d.natsSubject != "" {
		if err := d.nats.Publish(d.natsSubject, payload); err != nil {
			errs = append(errs, err)
		} else {
			observability.EventsPublished().WithLabelValues("nats").Inc()
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) consumeRedis(ctx context.Context) {
	pubsub := d.redis.Subscribe(ctx, d.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			d.logger.Error().Err(err).Msg("session event redis subscription closed")
			return
		}
		d.receive([]byte(msg.Payload))
	}
}

func (d *Dispatcher) consumeNATS(ctx context.Context) {
	sub, err := d.nats.Subscribe(d.natsSubject, func(msg *nats.Msg) {
		d.receive(msg.Data)
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to subscribe to nats session subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to drain session nats subscription")
		}
	}()
}

func (d *Dispatcher) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Warn().Err(err).Msg("invalid session event payload")
		return
	}
	if env.Source == d.nodeID {
		return
	}
	d.broadcast(env.Event)
}
