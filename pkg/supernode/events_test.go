package supernode

import (
	"strings"
	"testing"
)

func TestHubDeliversToTopicAndDebug(t *testing.T) {
	t.Parallel()
	h := NewHub()

	peerCh, replaced := h.Subscribe(TopicPeer, "peer-sub")
	if replaced {
		t.Fatal("first subscriber cannot replace anyone")
	}
	debugCh, _ := h.Subscribe(TopicDebug, "debug-sub")

	h.PostPeer("join", "02:00:00:00:00:01", "192.0.2.1:9")

	for name, ch := range map[string]<-chan []byte{"peer": peerCh, "debug": debugCh} {
		select {
		case rec := <-ch:
			s := string(rec)
			if !strings.HasPrefix(s, "\x1e") || !strings.HasSuffix(s, "\n") {
				t.Errorf("%s: record framing wrong: %q", name, s)
			}
			if !strings.Contains(s, `"action":"join"`) {
				t.Errorf("%s: bad record: %s", name, s)
			}
		default:
			t.Errorf("%s subscriber got nothing", name)
		}
	}
}

func TestHubReplacesSubscriber(t *testing.T) {
	t.Parallel()
	h := NewHub()

	old, _ := h.Subscribe(TopicTest, "first")
	fresh, replaced := h.Subscribe(TopicTest, "second")
	if !replaced {
		t.Fatal("second subscription must report replacement")
	}
	if _, ok := <-old; ok {
		t.Error("displaced channel should be closed")
	}

	h.Post(TopicTest, map[string]any{"event": "test"})
	select {
	case rec := <-fresh:
		if !strings.Contains(string(rec), `"event":"test"`) {
			t.Errorf("bad record: %s", rec)
		}
	default:
		t.Error("new subscriber got nothing")
	}

	if h.SubscriberRemote(TopicTest) != "second" {
		t.Errorf("remote tracking wrong: %q", h.SubscriberRemote(TopicTest))
	}
}

func TestHubDropsWhenSubscriberStalls(t *testing.T) {
	t.Parallel()
	h := NewHub()

	ch, _ := h.Subscribe(TopicTest, "slow")
	// Overrun the buffer; Post must not block.
	for i := 0; i < 64; i++ {
		h.Post(TopicTest, map[string]any{"event": "test", "i": i})
	}
	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 16 {
		t.Errorf("expected up to one buffer of records, drained %d", drained)
	}
}

func TestUnsubscribeOnlyRemovesCurrent(t *testing.T) {
	t.Parallel()
	h := NewHub()

	old, _ := h.Subscribe(TopicTest, "first")
	fresh, _ := h.Subscribe(TopicTest, "second")

	// The displaced handler cleans up late; the live subscription stays.
	h.Unsubscribe(TopicTest, old)
	if h.SubscriberRemote(TopicTest) != "second" {
		t.Fatal("stale unsubscribe removed the live subscriber")
	}

	h.Unsubscribe(TopicTest, fresh)
	if h.SubscriberRemote(TopicTest) != "" {
		t.Fatal("live unsubscribe did not remove the subscriber")
	}
}
