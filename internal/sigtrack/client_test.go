package sigtrack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// dialTestServer spins up a real WS server that accepts and discards every
// frame, so teardown's unsubscribe write has somewhere to go.
func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		raw  string
		want ErrorKind
	}{
		{`{"InstructionError":[1,{"Custom":6002}]}`, ErrSlippage},
		{`{"InstructionError":[1,{"Custom":6023}]}`, ErrInsufficientTokens},
		{`{"InstructionError":[0,{"Custom":1}]}`, ErrInsufficientLamports},
		{`"insufficient_funds_for_rent"`, ErrInsufficientFundsRent},
		{`{"InstructionError":[2,{"Custom":9999}]}`, ErrUnknown},
	}
	for _, c := range cases {
		got := ClassifyError(json.RawMessage(c.raw))
		if got != c.want {
			t.Errorf("ClassifyError(%s) = %s, want %s", c.raw, got, c.want)
		}
	}
}

func TestSubscribe_RejectsDuplicateSignature(t *testing.T) {
	// Subscribe starts a background admission that writes signatureSubscribe
	// to the connection, so the client needs a live one.
	c := &Client{
		sem:         semaphore.NewWeighted(10),
		bySignature: make(map[string]*record),
		bySubID:     make(map[uint64]string),
		pendingNote: make(map[uint64]json.RawMessage),
		conn:        dialTestServer(t),
	}

	first := c.Subscribe("Sig1", "confirmed", time.Second, false)
	if !first {
		t.Fatal("expected first subscribe to be admitted into the queue")
	}

	second := c.Subscribe("Sig1", "confirmed", time.Second, false)
	if second {
		t.Error("expected duplicate signature to be rejected")
	}
}

func TestScanTimeouts_ExpiresOverdueSubscribedRecords(t *testing.T) {
	timedOut := make(chan string, 1)
	c := &Client{
		sem:         semaphore.NewWeighted(10),
		bySignature: make(map[string]*record),
		bySubID:     make(map[uint64]string),
		pendingNote: make(map[uint64]json.RawMessage),
		conn:        dialTestServer(t),
		callbacks: Callbacks{
			OnTimeout: func(sig string) { timedOut <- sig },
		},
	}
	_ = c.sem.Acquire(context.Background(), 1)

	r := &record{
		signature:    "SigOld",
		state:        StateSubscribed,
		timeout:      10 * time.Millisecond,
		subscribedAt: time.Now().Add(-time.Second),
		subID:        42,
	}
	c.bySignature["SigOld"] = r
	c.bySubID[42] = "SigOld"

	// teardown writes the unsubscribe frame to the test server; OnTimeout is
	// invoked asynchronously.
	c.scanTimeouts()

	select {
	case sig := <-timedOut:
		if sig != "SigOld" {
			t.Errorf("expected OnTimeout callback fired for SigOld, got %q", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("expected SigOld to be detected as expired and OnTimeout to fire")
	}

	c.mu.Lock()
	_, stillTracked := c.bySignature["SigOld"]
	c.mu.Unlock()
	if stillTracked {
		t.Error("expected SigOld to be removed from bySignature after timeout teardown")
	}
}

func TestGetStatistics_CountsPendingAndSubscribed(t *testing.T) {
	c := &Client{
		sem:         semaphore.NewWeighted(10),
		bySignature: make(map[string]*record),
		bySubID:     make(map[uint64]string),
		pendingNote: make(map[uint64]json.RawMessage),
	}
	c.bySignature["A"] = &record{signature: "A", state: StatePending}
	c.bySignature["B"] = &record{signature: "B", state: StateSubscribed}
	c.confirmed = 3
	c.timedOut = 1

	stats := c.GetStatistics()
	if stats.Pending != 1 || stats.Subscribed != 1 || stats.Confirmed != 3 || stats.TimedOut != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReconcileBeforeTimeout_NilReconcilerPassesThrough(t *testing.T) {
	c := &Client{}
	expired := []*record{{signature: "Sig1"}}

	got := c.reconcileBeforeTimeout(expired)
	if len(got) != 1 || got[0].signature != "Sig1" {
		t.Errorf("expected unchanged expired list, got %+v", got)
	}
}

func TestReconcileBeforeTimeout_ReconcilerErrorFallsBackToTimeout(t *testing.T) {
	c := &Client{
		reconciler: func(ctx context.Context, sigs []string) ([]ReconcileStatus, error) {
			return nil, context.DeadlineExceeded
		},
	}
	expired := []*record{{signature: "Sig1"}}

	got := c.reconcileBeforeTimeout(expired)
	if len(got) != 1 || got[0].signature != "Sig1" {
		t.Errorf("expected expired list unchanged on reconciler error, got %+v", got)
	}
}

func TestReconcileBeforeTimeout_LandedSignatureResolvesConfirmedInstead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var confirmedSig string
	var confirmedKind ErrorKind
	c := &Client{
		sem:         semaphore.NewWeighted(10),
		bySignature: make(map[string]*record),
		bySubID:     make(map[uint64]string),
		pendingNote: make(map[uint64]json.RawMessage),
		ctx:         ctx,
		conn:        dialTestServer(t),
		callbacks: Callbacks{
			OnConfirmed: func(o Outcome) { confirmedSig = o.Signature; confirmedKind = o.ErrorKind },
		},
		reconciler: func(ctx context.Context, sigs []string) ([]ReconcileStatus, error) {
			return []ReconcileStatus{{Signature: "SigLanded", Landed: true}}, nil
		},
	}
	_ = c.sem.Acquire(ctx, 1)

	r := &record{signature: "SigLanded", state: StateSubscribed, subID: 7}
	c.bySignature["SigLanded"] = r
	c.bySubID[7] = "SigLanded"

	still := c.reconcileBeforeTimeout([]*record{r})
	if len(still) != 0 {
		t.Errorf("expected the reconciled signature to be removed from the still-expired list, got %+v", still)
	}

	// OnConfirmed is invoked asynchronously.
	for i := 0; i < 100 && confirmedSig == ""; i++ {
		time.Sleep(time.Millisecond)
	}
	if confirmedSig != "SigLanded" {
		t.Fatalf("expected OnConfirmed to fire for SigLanded, got %q", confirmedSig)
	}
	if confirmedKind != "" {
		t.Errorf("expected empty ErrorKind on success, got %q", confirmedKind)
	}

	c.mu.Lock()
	_, stillTracked := c.bySignature["SigLanded"]
	c.mu.Unlock()
	if stillTracked {
		t.Error("expected SigLanded to be removed from bySignature after reconciled teardown")
	}
}
