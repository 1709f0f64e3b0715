package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/snarg/motion-engine/internal/metrics"
)

// Pipeline processes incoming MQTT messages from sensors.
type Pipeline struct {
	store  Store
	player Player
	tokens TokenSource
	clock  clockwork.Clock
	log    zerolog.Logger

	retention      time.Duration // TTL for session and audit rows
	handlerTimeout time.Duration
	callTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	msgCount     atomic.Int64
	handlerCount sync.Map // handler name → *atomic.Int64
}

type PipelineOptions struct {
	Store          Store
	Player         Player
	Tokens         TokenSource
	Retention      time.Duration // default 30 days
	HandlerTimeout time.Duration // default 30s
	CallTimeout    time.Duration // default 10s
	Clock          clockwork.Clock
	Log            zerolog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	retention := opts.Retention
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}
	handlerTimeout := opts.HandlerTimeout
	if handlerTimeout == 0 {
		handlerTimeout = 30 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = 10 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Pipeline{
		store:          opts.Store,
		player:         opts.Player,
		tokens:         opts.Tokens,
		clock:          clock,
		log:            opts.Log.With().Str("component", "ingest").Logger(),
		retention:      retention,
		handlerTimeout: handlerTimeout,
		callTimeout:    callTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins periodic stats logging.
func (p *Pipeline) Start() {
	go p.statsLoop()
	p.log.Info().Msg("ingest pipeline started")
}

// Stop cancels in-flight handlers.
func (p *Pipeline) Stop() {
	p.log.Info().Int64("total_messages", p.msgCount.Load()).Msg("ingest pipeline stopping")
	p.cancel()
}

// statsLoop logs message counts every 60 seconds.
func (p *Pipeline) statsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastTotal int64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			total := p.msgCount.Load()
			delta := total - lastTotal
			lastTotal = total

			evt := p.log.Info().
				Int64("total", total).
				Int64("last_60s", delta)

			p.handlerCount.Range(func(key, value any) bool {
				evt = evt.Int64(key.(string), value.(*atomic.Int64).Load())
				return true
			})

			evt.Msg("stats")
		}
	}
}

// HandleMessage is the entry point called by the MQTT client for each message.
// A handler failure is logged and counted, never propagated: one bad payload
// must not take down the subscription.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	p.msgCount.Add(1)
	metrics.MQTTMessagesTotal.Inc()

	route := ParseTopic(topic)
	if route == nil {
		p.drop("unknown_topic", topic, nil)
		return
	}

	p.incHandler(route.Handler)
	metrics.HandlerMessagesTotal.WithLabelValues(route.Handler).Inc()

	ctx, cancel := context.WithTimeout(p.ctx, p.handlerTimeout)
	defer cancel()

	var err error
	switch route.Handler {
	case "motion":
		err = p.handleMotion(ctx, route.SensorID, payload)
	case "status":
		err = p.handleStatus(ctx, route.SensorID, payload)
	case "register":
		err = p.handleRegister(ctx, route.SensorID, payload)
	}

	if err != nil {
		p.log.Error().Err(err).
			Str("handler", route.Handler).
			Str("topic", topic).
			Msg("handler error")
	}
}

func (p *Pipeline) incHandler(name string) {
	v, _ := p.handlerCount.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

func (p *Pipeline) drop(reason, topic string, err error) {
	metrics.DroppedMessagesTotal.WithLabelValues(reason).Inc()
	evt := p.log.Warn().Str("topic", topic).Str("reason", reason)
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("message dropped")
}
