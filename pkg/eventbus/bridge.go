package eventbus

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventRecord is the JSON form of a session.Event on TopicEvents.
type EventRecord struct {
	Kind         string    `json:"kind"`
	At           time.Time `json:"at"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	Quality      string    `json:"quality,omitempty"`
	RTTMs        int64     `json:"rttMs,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	DelayMs      int64     `json:"delayMs,omitempty"`
	FailureKind  string    `json:"failureKind,omitempty"`
	Error        string    `json:"error,omitempty"`
	EnvelopeType string    `json:"envelopeType,omitempty"`
}

func RecordFor(ev session.Event) EventRecord {
	r := EventRecord{Kind: ev.Kind.String(), At: ev.At.UTC()}
	switch ev.Kind {
	case session.EventStateChanged:
		r.From, r.To = ev.From.String(), ev.To.String()
	case session.EventQualityChanged:
		r.Quality = ev.Quality.String()
		r.RTTMs = ev.RTT.Milliseconds()
	case session.EventReconnecting:
		r.Attempt = ev.Attempt
		r.DelayMs = ev.Delay.Milliseconds()
	}
	if ev.Failure != nil {
		r.FailureKind = ev.Failure.Kind.String()
		if ev.Failure.Err != nil {
			r.Error = ev.Failure.Err.Error()
		}
	}
	if ev.Envelope != nil {
		r.EnvelopeType = string(ev.Envelope.Type)
	}
	return r
}

// Bridge republishes a session's lifecycle events and inbound envelopes on a
// watermill publisher so other processes can observe the connection.
type Bridge struct {
	pub    message.Publisher
	logger zerolog.Logger
}

func NewBridge(pub message.Publisher) *Bridge {
	return &Bridge{
		pub:    pub,
		logger: log.With().Str("component", "eventbus").Logger(),
	}
}

// Attach starts forwarding from s and returns a function that stops it.
func (b *Bridge) Attach(s *session.Session) func() {
	offEvents := s.OnEvent(func(ev session.Event) {
		if err := b.PublishEvent(ev); err != nil {
			b.logger.Warn().Err(err).Str("kind", ev.Kind.String()).Msg("could not publish session event")
		}
	})
	offInbound := s.Router().OnAll(func(env envelope.Envelope) {
		if err := b.PublishInbound(env); err != nil {
			b.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("could not publish inbound envelope")
		}
	})
	return func() {
		offEvents()
		offInbound()
	}
}

func (b *Bridge) PublishEvent(ev session.Event) error {
	payload, err := json.Marshal(RecordFor(ev))
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("kind", ev.Kind.String())
	return errors.Wrap(b.pub.Publish(TopicEvents, msg), "publish event")
}

func (b *Bridge) PublishInbound(env envelope.Envelope) error {
	payload, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("type", string(env.Type))
	if env.CorrelationID != "" {
		msg.Metadata.Set("resource_id", env.CorrelationID)
	}
	return errors.Wrap(b.pub.Publish(TopicInbound, msg), "publish inbound")
}

func DecodeEvent(msg *message.Message) (EventRecord, error) {
	var r EventRecord
	if err := json.Unmarshal(msg.Payload, &r); err != nil {
		return EventRecord{}, errors.Wrapf(err, "decode event %s", msg.UUID)
	}
	return r, nil
}

func DecodeInbound(msg *message.Message) (envelope.Envelope, error) {
	env, err := envelope.Unmarshal(msg.Payload)
	return env, errors.Wrapf(err, "decode inbound %s", msg.UUID)
}
