package metrics

import (
	"context"

	"botforge/internal/bus"
)

// Collect subscribes to the event bus and translates runtime events into
// recorder counters until the context is cancelled. Run it in its own
// goroutine; the bot packages stay free of instrumentation concerns.
func Collect(ctx context.Context, b *bus.Bus, recorder *Recorder) {
	if recorder == nil {
		recorder = Default()
	}
	events, cancel := b.Subscribe("")
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			recorder.ObserveEvent(event)
		}
	}
}

// ObserveEvent applies one bus event to the recorder's counters.
func (r *Recorder) ObserveEvent(event bus.Event) {
	switch event.Type {
	case bus.TypeChatMessage:
		r.ObserveChatMessage(string(event.Platform))
	case bus.TypeMessagePosted:
		platform := string(event.Platform)
		if platform == "" {
			platform = event.Payload["platform"]
		}
		r.ObservePostedMessage(platform)
	case bus.TypeModeration:
		r.ObserveModerationAction(event.Payload["action"])
	case bus.TypeCircuitChange:
		r.ObserveCircuitChange(string(event.Platform), event.Payload["state"])
	case bus.TypeWorkerStarted:
		r.WorkerStarted()
	case bus.TypeWorkerStopped:
		r.WorkerStopped()
	case bus.TypeWorkerCrashed:
		r.WorkerCrashed()
	case bus.TypeSessionStarted:
		r.SessionStarted()
	case bus.TypeSessionEnded:
		r.SessionEnded()
	default:
		r.ObserveBotEvent(event.Type)
	}
}
