package eventhub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeWildcardReceivesAllChannels(t *testing.T) {
	h := New(nil, nil)
	c := h.NewClient()
	h.Subscribe(c, "")

	h.Publish(Event{Channel: "groups", Type: EventGroupStateChanged, Data: map[string]any{"group_id": "g1"}})

	select {
	case evt := <-c.Outbound:
		assert.Equal(t, EventGroupStateChanged, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("did not receive event")
	}
}

func TestSubscribeSpecificChannelIgnoresOthers(t *testing.T) {
	h := New(nil, nil)
	c := h.NewClient()
	h.Subscribe(c, "products")

	h.Publish(Event{Channel: "groups", Type: EventGroupStateChanged})

	select {
	case <-c.Outbound:
		t.Fatal("should not have received an event on an unsubscribed channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New(nil, nil)
	c := h.NewClient()
	h.Subscribe(c, "groups")
	h.Unsubscribe(c)

	h.Publish(Event{Channel: "groups", Type: EventGroupStateChanged})

	select {
	case <-c.Outbound:
		t.Fatal("unsubscribed client should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingMirror struct {
	events []Event
}

func (m *recordingMirror) Publish(evt Event) error {
	m.events = append(m.events, evt)
	return nil
}
func (m *recordingMirror) Close() error { return nil }

func TestMirrorReceivesEveryPublish(t *testing.T) {
	mirror := &recordingMirror{}
	h := New(nil, mirror)
	h.Publish(Event{Channel: "groups", Type: EventGroupStateChanged})
	assert.Len(t, mirror.events, 1)
}
