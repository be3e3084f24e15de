// Package eventhub fans typed pipeline events out to WebSocket-connected
// control plane clients. The subscription/broadcast structure follows the
// teacher's SSEHub (internal/sse), generalized from SSE text/event-stream
// framing to a channel-subscribed websocket client, and from untyped
// channel strings to the typed event stream the control plane publishes.
package eventhub

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dsa110/contimg-ingestd/internal/corelog"
)

// EventType enumerates the control plane's typed event stream.
type EventType string

const (
	EventGroupStateChanged   EventType = "group_state_changed"
	EventStageStarted        EventType = "stage_started"
	EventStageFinished       EventType = "stage_finished"
	EventProductStaged       EventType = "product_staged"
	EventProductPublished    EventType = "product_published"
	EventProductPublishFailed EventType = "product_publish_failed"
	EventStageBreakerOpen    EventType = "stage_breaker_open"
	EventStageBreakerClosed  EventType = "stage_breaker_closed"
	EventConfigApplied       EventType = "config_applied"
)

// Event is the message shape delivered over the /events channel.
type Event struct {
	Channel string    `json:"channel"`
	Type    EventType `json:"type"`
	Data    any       `json:"data,omitempty"`
}

// Client is one connected WebSocket subscriber.
type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Event
	done     chan struct{}
}

// Hub is the in-process fan-out registry; channel name "*" subscribes to
// every event regardless of its declared channel.
type Hub struct {
	mu            sync.RWMutex
	log           *corelog.Logger
	subscriptions map[string]map[*Client]bool
	mirror        Mirror
}

// Mirror optionally republishes events to an external transport (e.g. the
// optional Redis bus) so a second process observing the same event stream
// stays in sync; it never becomes the source of authoritative state.
type Mirror interface {
	Publish(evt Event) error
	Close() error
}

func New(log *corelog.Logger, mirror Mirror) *Hub {
	if log == nil {
		log = corelog.NewNop()
	}
	return &Hub{
		log:           log.With("component", "eventhub"),
		subscriptions: make(map[string]map[*Client]bool),
		mirror:        mirror,
	}
}

func (h *Hub) NewClient() *Client {
	return &Client{
		ID:       uuid.New(),
		Channels: make(map[string]bool),
		Outbound: make(chan Event, 32),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Subscribe(c *Client, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "*"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c.Channels[channel] = true
	set, ok := h.subscriptions[channel]
	if !ok {
		set = make(map[*Client]bool)
		h.subscriptions[channel] = set
	}
	set[c] = true
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range c.Channels {
		if set, ok := h.subscriptions[ch]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	c.Channels = make(map[string]bool)
}

// Publish delivers evt to every client subscribed to its channel or to "*",
// and mirrors it externally when a Mirror is configured.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	recipients := make(map[*Client]bool)
	for c := range h.subscriptions["*"] {
		recipients[c] = true
	}
	if evt.Channel != "" {
		for c := range h.subscriptions[evt.Channel] {
			recipients[c] = true
		}
	}
	h.mu.RUnlock()

	for c := range recipients {
		select {
		case c.Outbound <- evt:
		default:
			h.log.Warn("dropping event, client outbound buffer full", "client_id", c.ID.String())
		}
	}

	if h.mirror != nil {
		if err := h.mirror.Publish(evt); err != nil {
			h.log.Warn("event mirror publish failed", "error", err)
		}
	}
}

func (h *Hub) CloseClient(c *Client) {
	h.Unsubscribe(c)
	close(c.done)
	close(c.Outbound)
}

func (c *Client) Done() <-chan struct{} { return c.done }
