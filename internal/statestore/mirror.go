package statestore

import (
	"context"

	"github.com/pelago-hub/hubd/internal/entity"
	"github.com/pelago-hub/hubd/internal/eventbus"
)

// Mirror forwards entity state-change events off the bus into the
// remote-store-backed LatestSink and HistorySink, so the synchronous
// local write Registry.ApplyState already performed against its own
// repository also lands in the remote store when one is configured.
// Entity Registry never calls these sinks directly: it only knows about
// its own injected Repository, so this is a separate async path grafted
// on top of the same "entity/<id>/state" events internal/api's
// WebSocket layer forwards to clients.
type Mirror struct {
	bus     *eventbus.Bus
	latest  *LatestSink
	history *HistorySink
}

// NewMirror builds a Mirror. Either sink may be nil, in which case that
// half of the mirror is skipped.
func NewMirror(bus *eventbus.Bus, latest *LatestSink, history *HistorySink) *Mirror {
	return &Mirror{bus: bus, latest: latest, history: history}
}

// Run subscribes to entity state-change events and feeds them to both
// sinks until ctx is cancelled. It is meant to be run as a
// supervisor-managed background task, one per daemon instance.
func (m *Mirror) Run(ctx context.Context) error {
	sub, unsubscribe := m.bus.Subscribe(256)
	defer unsubscribe()
	sub.SubscribeTopic("entity/*")

	for {
		evt, ok := sub.Next(ctx.Done())
		if !ok {
			return nil
		}
		state, ok := evt.Payload.(*entity.State)
		if !ok {
			continue
		}
		if m.latest != nil {
			_ = m.latest.Apply(ctx, state)
		}
		if m.history != nil {
			m.history.Append(entity.HistoryRecord{
				EntityID:  state.EntityID,
				Timestamp: state.UpdatedAt,
				Value:     state.Value,
				Attrs:     state.Attrs,
			})
		}
	}
}
