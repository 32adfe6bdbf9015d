package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/pusher"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// CompletionHandler consumes one raw completion payload.
type CompletionHandler func(ctx context.Context, payload json.RawMessage)

// Dispatcher binds inbound channel events to handlers. It does not
// validate payloads; that is the consumer's job.
type Dispatcher struct {
	sink   interfaces.AnnouncementSink
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]CompletionHandler
}

// New creates a dispatcher reporting lifecycle notices to sink.
func New(sink interfaces.AnnouncementSink) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		logger:   logging.WithComponent("dispatch"),
		handlers: make(map[string]CompletionHandler),
	}
}

// Register sets the handler for event, replacing any earlier one. Only
// one handler per event is kept.
func (d *Dispatcher) Register(event string, h CompletionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = h
}

// OnCompletion registers the client-survey-completed handler.
func (d *Dispatcher) OnCompletion(h CompletionHandler) {
	d.Register(types.EventSurveyCompleted, h)
}

// Bind attaches every registered handler plus the subscription
// lifecycle notifications to ch.
func (d *Dispatcher) Bind(ch *pusher.Channel) {
	d.mu.RLock()
	events := make([]string, 0, len(d.handlers))
	for event := range d.handlers {
		events = append(events, event)
	}
	d.mu.RUnlock()

	for _, event := range events {
		event := event
		ch.Bind(event, func(data json.RawMessage) {
			d.deliver(event, data)
		})
	}

	name := ch.Name()
	ch.Bind(types.EventSubscriptionSucceeded, func(json.RawMessage) {
		d.sink.Announce(context.Background(),
			announce.Notice(types.KindSubscription, types.LevelInfo, "Subscribed to %s", name))
	})
	ch.Bind(types.EventSubscriptionError, func(data json.RawMessage) {
		d.subscriptionFailed(name, data)
	})
}

func (d *Dispatcher) deliver(event string, data json.RawMessage) {
	d.mu.RLock()
	h, ok := d.handlers[event]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug().Str("event", event).Msg("Event has no handler")
		return
	}
	d.logger.Debug().Str("event", event).Int("bytes", len(data)).Msg("Dispatching event")
	h(context.Background(), data)
}

// subscriptionFailed reports the failure. Retrying is an operator action.
func (d *Dispatcher) subscriptionFailed(channel string, data json.RawMessage) {
	var detail pusher.SubscriptionErrorData
	_ = json.Unmarshal(data, &detail)

	err := &types.SubscriptionError{Channel: channel, Status: detail.Status}
	d.logger.Warn().Err(err).Str("type", detail.Type).Str("detail", detail.Error).Msg("Subscription failed")

	msg := "Subscription to %s failed"
	args := []interface{}{channel}
	if detail.Status != 0 {
		msg += " (status %d)"
		args = append(args, detail.Status)
	}
	if detail.Error != "" {
		msg += ": %s"
		args = append(args, detail.Error)
	}
	d.sink.Announce(context.Background(), announce.Notice(types.KindSubscription, types.LevelWarn, msg, args...))
}
