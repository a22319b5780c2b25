// Package wshub is the WebSocketHub spec §4.9 describes: each live
// connection holds a subscription backed by EventBus's bounded ring
// buffer, delivered in EventBus sequence order. On buffer overflow the
// connection is told to resync from REST rather than silently skipping
// ahead; heartbeats detect and close dead connections.
//
// Grounded on common/channelUtils.go's backpressure-profile idea — the
// teacher uses channel fullness to throttle a *producer*; here the same
// "how full is my buffer" signal instead flags the *consumer* (the
// websocket client) as lagging and triggers a resync message, since
// EventBus already refuses to block producers by dropping oldest events.
package wshub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/scribeforge/scribeforge/internal/eventbus"
	"github.com/scribeforge/scribeforge/internal/obslog"
)

// ControlMessage is a hub-originated message that isn't a lifecycle event,
// e.g. resync_required.
type ControlMessage struct {
	Type string `json:"type"`
}

// OutboundMessage is the envelope written to the client for each delivered
// event.
type OutboundMessage struct {
	Topic     string    `json:"topic"`
	Sequence  uint64    `json:"sequence"`
	Kind      string    `json:"kind"`
	JobID     string    `json:"job_id,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes connection lifecycle behavior (spec §4.9).
type Config struct {
	Heartbeat time.Duration
	IdleKill  time.Duration

	// EventRate/EventBurst bound how fast one connection is fed delivered
	// events, independent of EventBus's own per-subscriber buffer; this
	// protects a slow client's socket from a burst of rapid-fire progress
	// events rather than governing admission the way internal/ratelimit
	// does. Zero disables pacing.
	EventRate  float64
	EventBurst int
}

// Hub dispatches EventBus subscriptions to live WebSocket connections.
type Hub struct {
	bus *eventbus.Bus
	cfg Config
	log obslog.Logger
}

// New builds a Hub over bus.
func New(bus *eventbus.Bus, cfg Config, log obslog.Logger) *Hub {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.IdleKill <= 0 {
		cfg.IdleKill = 90 * time.Second
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = 50
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 100
	}
	return &Hub{bus: bus, cfg: cfg, log: log}
}

// Serve subscribes conn to topics and blocks, writing events to conn until
// the connection closes or reading from it fails. Callers are responsible
// for authenticating the connection and restricting topics to what the
// principal may see before calling Serve (spec §4.9's permission filter).
func (h *Hub) Serve(conn *websocket.Conn, topics ...string) {
	sub := h.bus.Subscribe(topics...)
	defer sub.Close()

	pacer := rate.NewLimiter(rate.Limit(h.cfg.EventRate), h.cfg.EventBurst)

	var lastPong sync.Mutex
	lastPongAt := time.Now()
	conn.SetPongHandler(func(string) error {
		lastPong.Lock()
		lastPongAt = time.Now()
		lastPong.Unlock()
		return nil
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	idleCheck := time.NewTicker(h.cfg.IdleKill / 3)
	defer idleCheck.Stop()

	lastDrops := sub.Drops()

	for {
		select {
		case <-readerDone:
			return

		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			if drops := sub.Drops(); drops != lastDrops {
				lastDrops = drops
				if err := conn.WriteJSON(ControlMessage{Type: "resync_required"}); err != nil {
					return
				}
			}
			if err := pacer.Wait(context.Background()); err != nil {
				return
			}
			if err := conn.WriteJSON(toOutbound(e)); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-idleCheck.C:
			lastPong.Lock()
			idle := time.Since(lastPongAt)
			lastPong.Unlock()
			if idle > h.cfg.IdleKill {
				_ = conn.Close()
				return
			}
		}
	}
}

func toOutbound(e eventbus.Event) OutboundMessage {
	return OutboundMessage{
		Topic:     e.Topic,
		Sequence:  e.Sequence,
		Kind:      e.Kind.String(),
		JobID:     e.JobID,
		BatchID:   e.BatchID,
		Progress:  e.Progress,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}
