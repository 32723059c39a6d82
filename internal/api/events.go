package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/runtime"
)

// Hub fans out each deployment's runtime.LifecycleEvent stream to every
// websocket subscriber watching it, so a second dashboard tab open on the
// same deployment does not open a second adapter-level watch. Connections
// are grouped into per-deployment rooms rather than tracked individually.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*eventRoom
}

type eventRoom struct {
	mu      sync.Mutex
	clients map[chan runtime.LifecycleEvent]struct{}
	cancel  context.CancelFunc
}

// NewHub constructs an empty Hub. Rooms are created lazily on first
// subscriber and torn down when the last one disconnects.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*eventRoom)}
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Hub) subscribe(adapter runtime.Adapter, handle runtime.WorkloadHandle) (<-chan runtime.LifecycleEvent, func()) {
	h.mu.Lock()
	room, ok := h.rooms[handle.DeploymentID]
	if !ok {
		roomCtx, cancel := context.WithCancel(context.Background())
		room = &eventRoom{clients: make(map[chan runtime.LifecycleEvent]struct{}), cancel: cancel}
		h.rooms[handle.DeploymentID] = room
		go h.pump(roomCtx, adapter, handle, room)
	}
	h.mu.Unlock()

	ch := make(chan runtime.LifecycleEvent, 8)
	room.mu.Lock()
	room.clients[ch] = struct{}{}
	room.mu.Unlock()

	unsubscribe := func() {
		room.mu.Lock()
		delete(room.clients, ch)
		empty := len(room.clients) == 0
		room.mu.Unlock()
		if !empty {
			return
		}
		h.mu.Lock()
		if h.rooms[handle.DeploymentID] == room {
			delete(h.rooms, handle.DeploymentID)
		}
		h.mu.Unlock()
		room.cancel()
	}
	return ch, unsubscribe
}

func (h *Hub) pump(ctx context.Context, adapter runtime.Adapter, handle runtime.WorkloadHandle, room *eventRoom) {
	events, err := adapter.WatchEvents(ctx, handle)
	if err != nil {
		logger.HTTP().Warn().Err(err).Str("deployment", handle.DeploymentID).Msg("watch events failed")
		return
	}
	for ev := range events {
		room.mu.Lock()
		for ch := range room.clients {
			select {
			case ch <- ev:
			default: // a slow subscriber drops events rather than stall the room
			}
		}
		room.mu.Unlock()
	}
}

// ServeWS upgrades the request and streams handle's lifecycle events as
// JSON frames until the client disconnects or the request is cancelled,
// backing GET .../deployments/{id}/events.
func (h *Hub) ServeWS(c *gin.Context, adapter runtime.Adapter, handle runtime.WorkloadHandle) error {
	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, unsubscribe := h.subscribe(adapter, handle)
	defer unsubscribe()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		}
	}
}
