package wsfeed

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTopic_AuthenticatedClassification(t *testing.T) {
	cases := map[Topic]bool{
		TopicNewToken:     false,
		TopicTokenTrade:   false,
		TopicAccountTrade: false,
		TopicMigration:    true,
	}
	for topic, want := range cases {
		if got := topic.authenticated(); got != want {
			t.Errorf("%s.authenticated() = %v, want %v", topic, got, want)
		}
	}
}

func TestSubscription_IDIsStableForSameTopicAndKeys(t *testing.T) {
	a := subscription{topic: TopicTokenTrade, keys: []string{"MintX"}}
	b := subscription{topic: TopicTokenTrade, keys: []string{"MintX"}}
	if a.id() != b.id() {
		t.Errorf("expected identical subscriptions to produce the same id, got %q vs %q", a.id(), b.id())
	}
}

func TestSubscribe_RecordsLocallyEvenBeforeConnect(t *testing.T) {
	c := New(func(authenticated bool) string { return "ws://unused" })

	// with no connection the subscribe frame cannot be sent, but the
	// subscription is still recorded for replay on connect
	_ = c.Subscribe(TopicNewToken, nil, func(raw json.RawMessage) {})

	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 recorded subscription, got %d", n)
	}
}

func TestUnsubscribe_RemovesLocalRecordWithoutConnection(t *testing.T) {
	c := New(func(authenticated bool) string { return "ws://unused" })
	sub := subscription{topic: TopicTokenTrade, keys: []string{"MintX"}}

	c.mu.Lock()
	c.subs[sub.id()] = sub
	c.mu.Unlock()

	_ = c.Unsubscribe(TopicTokenTrade, []string{"MintX"})

	c.mu.Lock()
	remaining := len(c.subs)
	c.mu.Unlock()

	if remaining != 0 {
		t.Errorf("expected subscription removed, got %d remaining", remaining)
	}
}

func TestDispatch_RoutesToMatchingTopicCallback(t *testing.T) {
	c := New(func(authenticated bool) string { return "ws://unused" })

	received := make(chan []byte, 1)
	c.Subscribe(TopicTokenTrade, []string{"MintX"}, func(raw json.RawMessage) { received <- raw })

	c.dispatch([]byte(`{"topic":"token_trade","data":{"mint":"MintX"}}`))

	select {
	case got := <-received:
		if string(got) != `{"mint":"MintX"}` {
			t.Errorf("unexpected dispatched payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected callback to fire")
	}
}

func TestDispatch_FallsBackToGlobalHandlerWhenUnmatched(t *testing.T) {
	c := New(func(authenticated bool) string { return "ws://unused" })

	received := make(chan []byte, 1)
	c.SetGlobalCallback(func(raw json.RawMessage) { received <- raw })

	c.dispatch([]byte(`{"topic":"migration","data":{"mint":"MintZ"}}`))

	select {
	case got := <-received:
		if string(got) != `{"mint":"MintZ"}` {
			t.Errorf("unexpected fallback payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected global handler to receive unmatched message")
	}
}
