package channelstate

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wireEvent is the JSON shape the hosting node's event-stream endpoint is
// expected to emit, one object per message.
type wireEvent struct {
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
}

// Subscriber consumes the host Lightning node's channel-ready,
// channel-closed, peer-connected and peer-disconnected events over a
// long-lived websocket connection and applies them to an InMemory adapter.
type Subscriber struct {
	url    string
	sink   *InMemory
	logger zerolog.Logger
	dialer *websocket.Dialer
}

// NewSubscriber constructs an event-stream subscriber that dials url and
// feeds events into sink.
func NewSubscriber(url string, sink *InMemory, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		url:    url,
		sink:   sink,
		logger: logger.With().Str("component", "channelstate_eventstream").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run dials the event stream and applies events to the sink until ctx is
// cancelled, reconnecting with backoff on disconnect. It never returns a
// non-nil error except when ctx is done, matching the loop's expectation
// that auxiliary background tasks degrade rather than crash the process.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.consumeOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("event stream disconnected")
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Subscriber) consumeOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	s.logger.Info().Str("url", s.url).Msg("event stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg wireEvent
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read event: %w", err)
		}

		ev := Event{ChannelID: msg.ChannelID, Kind: EventKind(msg.Kind)}
		s.sink.ApplyEvent(ev)
		s.logger.Debug().Str("channel_id", ev.ChannelID).Str("kind", string(ev.Kind)).Msg("applied channel event")
	}
}
