package supernode

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Topic is an event stream topic.
type Topic string

const (
	TopicDebug Topic = "debug" // every event, for debugging subscribers
	TopicPeer  Topic = "peer"  // membership changes
	TopicTest  Topic = "test"  // emitted only by post.test
)

// Topics enumerates the available topics with their descriptions, in the
// order help.events lists them.
func Topics() []struct{ Topic, Desc string } {
	return []struct{ Topic, Desc string }{
		{string(TopicDebug), "All events - for event debugging"},
		{string(TopicPeer), "Changes to peer list"},
		{string(TopicTest), "Used only by post.test"},
	}
}

// recordSeparator prefixes every record so the stream is an RS-delimited
// JSON sequence (RFC 7464).
const recordSeparator = "\x1e"

// ReplacingRecord opens the stream of a subscriber that displaced a
// previous one.
var ReplacingRecord = []byte(recordSeparator + "\"replacing\"\n")

// Hub fans events out to at most one subscriber per topic. Delivery is
// best-effort: a subscriber too slow to drain its channel loses records
// rather than stalling the datapath.
type Hub struct {
	mu   sync.Mutex
	subs map[Topic]chan []byte
	// remotes is the peer address of each live subscriber, for help.events.
	remotes map[Topic]string
}

func NewHub() *Hub {
	return &Hub{
		subs:    make(map[Topic]chan []byte),
		remotes: make(map[Topic]string),
	}
}

// KnownTopic reports whether a topic exists.
func KnownTopic(t Topic) bool {
	return t == TopicDebug || t == TopicPeer || t == TopicTest
}

// Subscribe registers the sole subscriber for a topic, displacing and
// closing any previous one. The returned channel delivers ready-to-write
// stream records; replaced reports whether an earlier subscriber was
// dropped.
func (h *Hub) Subscribe(t Topic, remote string) (ch <-chan []byte, replaced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subs[t]; ok {
		close(old)
		replaced = true
	}
	c := make(chan []byte, 16)
	h.subs[t] = c
	h.remotes[t] = remote
	return c, replaced
}

// Unsubscribe removes a subscriber if it is still the current one.
func (h *Hub) Unsubscribe(t Topic, ch <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[t]; ok && (<-chan []byte)(cur) == ch {
		close(cur)
		delete(h.subs, t)
		delete(h.remotes, t)
	}
}

// SubscriberRemote returns the current subscriber's address for a topic.
func (h *Hub) SubscriberRemote(t Topic) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remotes[t]
}

// Post renders an event and delivers it to the topic's subscriber and to
// the debug subscriber.
func (h *Hub) Post(t Topic, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal failed", "topic", t, "err", err)
		return
	}
	record := make([]byte, 0, len(payload)+2)
	record = append(record, recordSeparator...)
	record = append(record, payload...)
	record = append(record, '\n')

	// Sends stay under the lock so a concurrent Subscribe cannot close a
	// channel mid-send.
	h.mu.Lock()
	defer h.mu.Unlock()
	deliver := func(c chan []byte) {
		select {
		case c <- record:
		default: // subscriber not draining; drop the record
		}
	}
	if sub := h.subs[t]; sub != nil {
		deliver(sub)
	}
	if debug := h.subs[TopicDebug]; debug != nil && t != TopicDebug {
		deliver(debug)
	}
}

// PostPeer emits a peer membership event. action is join, leave or move.
func (h *Hub) PostPeer(action, mac, sock string) {
	h.Post(TopicPeer, map[string]any{
		"event":    "peer",
		"action":   action,
		"macaddr":  mac,
		"sockaddr": sock,
	})
}
