// Package pipeline wires the full inbound and outbound paths together:
// security screening, priority scheduling, decode, validation, bridging to
// the entity model, and command encoding back onto the wire.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rvlink/canhub/internal/bridge"
	"github.com/rvlink/canhub/internal/decode"
	"github.com/rvlink/canhub/internal/encode"
	"github.com/rvlink/canhub/internal/metrics"
	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/reassembly"
	"github.com/rvlink/canhub/internal/sched"
	"github.com/rvlink/canhub/internal/security"
	"github.com/rvlink/canhub/internal/spec"
	"github.com/rvlink/canhub/pkg/canbus"
)

// Publisher receives everything the pipeline produces. Implementations
// must be safe for concurrent use.
type Publisher interface {
	PublishUpdate(ctx context.Context, update *models.EntityUpdate) error
	PublishDecoded(ctx context.Context, msg *models.DecodedMessage) error
	PublishEvent(ctx context.Context, event models.Event) error
	PublishFrame(ctx context.Context, channel string, frame canbus.OutboundFrame) error
}

// Config assembles the processor's tunables.
type Config struct {
	Channels      map[string]models.Protocol // channel name -> protocol
	Workers       int
	SweepInterval time.Duration

	Scheduler  sched.Config
	Reassembly reassembly.Config
	Security   security.Config
}

// Processor is the frame-to-entity pipeline.
type Processor struct {
	cfg       Config
	store     *spec.Store
	monitor   *security.Monitor
	validator *security.Validator
	bridge    *bridge.Bridge
	scheduler *sched.Scheduler
	encoder   *encode.Encoder
	decoders  map[models.Protocol]*decode.Decoder
	txChannel map[models.Protocol]string
	pub       Publisher
	metrics   *metrics.Metrics
}

// SourceAddr is the address this node claims on the bus when transmitting.
const SourceAddr = 0x9E

// New builds a processor around the given spec store and publisher.
func New(cfg Config, store *spec.Store, pub Publisher, m *metrics.Metrics) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 250 * time.Millisecond
	}

	p := &Processor{
		cfg:       cfg,
		store:     store,
		monitor:   security.NewMonitor(cfg.Security, store),
		validator: security.NewValidator(store),
		bridge:    bridge.New(),
		scheduler: sched.New(cfg.Scheduler),
		encoder:   encode.New(store, SourceAddr),
		decoders:  make(map[models.Protocol]*decode.Decoder),
		txChannel: make(map[models.Protocol]string),
		pub:       pub,
		metrics:   m,
	}
	for _, protocol := range []models.Protocol{models.ProtocolRVC, models.ProtocolJ1939} {
		p.decoders[protocol] = decode.New(protocol, store, reassembly.New(cfg.Reassembly))
	}
	for channel, protocol := range cfg.Channels {
		// first configured channel per protocol carries outbound traffic
		if _, ok := p.txChannel[protocol]; !ok {
			p.txChannel[protocol] = channel
		}
	}
	return p
}

// SubmitFrame accepts one raw frame from a transport adapter. It never
// returns an error: bad frames turn into events and counters, not
// back-pressure on the bus reader.
func (p *Processor) SubmitFrame(frame canbus.Frame) {
	protocol, ok := p.cfg.Channels[frame.Channel]
	if !ok {
		log.Debug().Str("channel", frame.Channel).Msg("frame from unconfigured channel")
		return
	}
	if p.metrics != nil {
		p.metrics.FramesTotal.WithLabelValues(frame.Channel).Inc()
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	dec := p.decoders[protocol]
	hdr := frame.Header()
	_, known := dec.Lookup(hdr.PGN)
	if hdr.PGN == decode.PGNTransferControl || hdr.PGN == decode.PGNTransferData {
		known = true
	}

	decision := p.monitor.Check(protocol, frame.Channel, hdr.Source, hdr.PGN, known, frame.Timestamp)
	p.publishEvents(decision.Events)
	if !decision.Allow {
		if p.metrics != nil {
			p.metrics.BlockedTotal.WithLabelValues(blockReason(decision.Events)).Inc()
		}
		return
	}

	tier := sched.TierFromName(dec.TierOf(hdr.PGN))
	evicted, overflow := p.scheduler.Enqueue(tier, frame)
	if overflow {
		ev := models.NewEvent(models.EventKindQueueOverflow, models.EventLevelWarning,
			fmt.Sprintf("%s queue full, oldest frame dropped", tier))
		ev.Channel = evicted.Channel
		ev.MsgID = evicted.Header().PGN
		ev.Source = evicted.Header().Source
		p.publishEvents([]models.Event{ev})
		if p.metrics != nil {
			p.metrics.DroppedTotal.WithLabelValues(tier.String()).Inc()
		}
	}
	if p.metrics != nil {
		p.metrics.QueueDepth.WithLabelValues(tier.String()).Set(float64(p.scheduler.TierDepth(tier)))
	}
}

// SubmitCommand encodes a command and queues its frames for transmission,
// in order, on the protocol's outbound channel. A preflight failure means
// nothing reached the wire.
func (p *Processor) SubmitCommand(ctx context.Context, cmd models.Command) error {
	frames, err := p.encoder.Encode(cmd)
	if err != nil {
		if p.metrics != nil {
			p.metrics.CommandsTotal.WithLabelValues("rejected").Inc()
		}
		return err
	}

	active := p.store.Active()
	cd, _ := active.Command(cmd.EntityID, cmd.Name)
	channel, ok := p.txChannel[cd.Protocol]
	if !ok {
		return fmt.Errorf("pipeline: no channel configured for protocol %s", cd.Protocol)
	}

	for _, frame := range frames {
		if err := p.pub.PublishFrame(ctx, channel, frame); err != nil {
			if p.metrics != nil {
				p.metrics.CommandsTotal.WithLabelValues("failed").Inc()
			}
			return fmt.Errorf("pipeline: publish frame: %w", err)
		}
	}
	if p.metrics != nil {
		p.metrics.CommandsTotal.WithLabelValues("ok").Inc()
	}
	log.Info().
		Str("entity", cmd.EntityID).
		Str("command", cmd.Name).
		Int("frames", len(frames)).
		Msg("command transmitted")
	return nil
}

// Run drives the worker pool and the reassembly sweeper until the context
// is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.scheduler.Run(ctx, func(f canbus.Frame) { p.process(ctx, f) })
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, dec := range p.decoders {
					p.publishEvents(dec.Sweep(now))
				}
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

// process decodes one dequeued frame and pushes the results downstream.
func (p *Processor) process(ctx context.Context, frame canbus.Frame) {
	protocol := p.cfg.Channels[frame.Channel]
	dec := p.decoders[protocol]

	res := dec.Decode(frame, frame.Timestamp)
	p.publishEvents(res.Events)
	if res.Message == nil {
		return
	}
	msg := res.Message
	if p.metrics != nil {
		p.metrics.DecodedTotal.WithLabelValues(string(protocol)).Inc()
	}

	var anomalies []string
	if desc, ok := dec.Lookup(msg.MsgID); ok {
		violations := p.validator.Validate(desc, msg)
		if len(violations) > 0 {
			details := make(models.Variables, len(violations))
			for i, v := range violations {
				anomalies = append(anomalies, v.String())
				details[fmt.Sprintf("violation_%d", i)] = v
			}
			ev := models.NewEvent(models.EventKindValidation, models.EventLevelWarning,
				fmt.Sprintf("%s failed %d validation rules", msg.Name, len(violations)))
			ev.Channel, ev.Source, ev.MsgID = msg.Channel, msg.Source, msg.MsgID
			ev.Details = details
			p.publishEvents([]models.Event{ev})
		}
	}

	msg.Anomalies = anomalies
	update, ok := p.bridge.ToEntity(msg)
	if !ok {
		// no entity mapping; the decode still reaches consumers on the
		// raw stream instead of vanishing
		if err := p.pub.PublishDecoded(ctx, msg); err != nil {
			log.Error().Err(err).Uint32("msg_id", msg.MsgID).Msg("publish decoded message")
		}
		return
	}
	update.Anomalies = anomalies
	if p.metrics != nil {
		p.metrics.BridgedTotal.WithLabelValues(string(protocol)).Inc()
	}
	if err := p.pub.PublishUpdate(ctx, update); err != nil {
		log.Error().Err(err).Str("entity", update.EntityID).Msg("publish entity update")
	}
}

// BridgeStats exposes the bridge's conversion counters.
func (p *Processor) BridgeStats() bridge.Stats { return p.bridge.Stats() }

func (p *Processor) publishEvents(events []models.Event) {
	for _, ev := range events {
		if p.metrics != nil {
			p.metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
		if err := p.pub.PublishEvent(context.Background(), ev); err != nil {
			log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("publish event")
		}
	}
}

func blockReason(events []models.Event) string {
	for _, ev := range events {
		switch ev.Kind {
		case models.EventKindSpoofing:
			return "spoofing"
		case models.EventKindFlooding:
			return "flooding"
		case models.EventKindRateLimited:
			return "rate_limited"
		}
	}
	return "isolated"
}
