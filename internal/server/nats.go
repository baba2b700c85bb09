// Package server connects the pipeline to NATS: raw frames arrive on
// can.<channel>.rx, entity updates, unmapped decodes and events fan out on
// canhub.* subjects, commands come in on canhub.command.<entity> with a
// reply, and outbound frames leave on can.<channel>.tx.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/pipeline"
	"github.com/rvlink/canhub/pkg/canbus"
)

// Publisher publishes pipeline output over NATS.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher creates a NATS publisher.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// PublishUpdate publishes an entity state change.
func (p *Publisher) PublishUpdate(_ context.Context, update *models.EntityUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal entity update: %w", err)
	}
	return p.nc.Publish(fmt.Sprintf("canhub.entity.%s.state", update.EntityID), data)
}

// PublishDecoded publishes a decoded message that has no entity mapping.
func (p *Publisher) PublishDecoded(_ context.Context, msg *models.DecodedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal decoded message: %w", err)
	}
	return p.nc.Publish(fmt.Sprintf("canhub.raw.%s.%05x", msg.Protocol, msg.MsgID), data)
}

// PublishEvent publishes a diagnostic or security event.
func (p *Publisher) PublishEvent(_ context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(fmt.Sprintf("canhub.event.%s", strings.ToLower(string(event.Kind))), data)
}

// PublishFrame queues one outbound frame for a channel's bus writer.
func (p *Publisher) PublishFrame(_ context.Context, channel string, frame canbus.OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}
	return p.nc.Publish(fmt.Sprintf("can.%s.tx", channel), data)
}

// Subscriber feeds inbound NATS traffic into the processor.
type Subscriber struct {
	nc        *nats.Conn
	processor *pipeline.Processor
	subs      []*nats.Subscription
}

// NewSubscriber creates a NATS subscriber for the processor.
func NewSubscriber(nc *nats.Conn, processor *pipeline.Processor) *Subscriber {
	return &Subscriber{nc: nc, processor: processor}
}

// Start subscribes and blocks until the context is done.
func (s *Subscriber) Start(ctx context.Context) error {
	sub1, err := s.nc.Subscribe("can.*.rx", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe frames: %w", err)
	}
	s.subs = append(s.subs, sub1)

	sub2, err := s.nc.Subscribe("canhub.command.*", s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	return ctx.Err()
}

// handleFrame delivers one raw frame to the pipeline. The channel name is
// the second subject token; a channel inside the payload wins if present.
func (s *Subscriber) handleFrame(msg *nats.Msg) {
	var frame canbus.Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("unmarshal frame")
		return
	}
	if frame.Channel == "" {
		parts := strings.Split(msg.Subject, ".")
		if len(parts) == 3 {
			frame.Channel = parts[1]
		}
	}
	s.processor.SubmitFrame(frame)
}

type commandReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleCommand runs one entity command and replies with the outcome.
func (s *Subscriber) handleCommand(msg *nats.Msg) {
	var cmd models.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("unmarshal command")
		s.reply(msg, commandReply{Status: "error", Error: "malformed command"})
		return
	}
	if cmd.EntityID == "" {
		parts := strings.Split(msg.Subject, ".")
		if len(parts) == 3 {
			cmd.EntityID = parts[2]
		}
	}

	if err := s.processor.SubmitCommand(context.Background(), cmd); err != nil {
		log.Warn().Err(err).
			Str("entity", cmd.EntityID).
			Str("command", cmd.Name).
			Msg("command rejected")
		s.reply(msg, commandReply{Status: "rejected", Error: err.Error()})
		return
	}
	s.reply(msg, commandReply{Status: "ok"})
}

func (s *Subscriber) reply(msg *nats.Msg, r commandReply) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(r)
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("reply to command")
	}
}

// Connect dials NATS with the reconnect behaviour used across the system.
func Connect(url, clientID string, maxReconnects int) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientID),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	return nc, nil
}
