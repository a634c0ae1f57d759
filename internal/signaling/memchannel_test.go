package signaling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/solstice-social/solstice-calls/internal/callstate"
)

func newTestChannel(t *testing.T) *MemoryChannel {
	t.Helper()
	c := NewMemoryChannel(nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustCreate(t *testing.T, c *MemoryChannel, caller, callee string, kind MediaKind) string {
	t.Helper()
	id, err := c.CreateSession(context.Background(), caller, callee, kind)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

func recvSession(t *testing.T, ch <-chan SessionEvent) SessionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("session watch closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for session event")
	}
	return SessionEvent{}
}

func TestCreateSessionValidation(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	if _, err := c.CreateSession(ctx, "", "bob", MediaAudio); !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("empty caller: got %v, want ErrEmptyIdentity", err)
	}
	if _, err := c.CreateSession(ctx, "alice", "", MediaAudio); !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("empty callee: got %v, want ErrEmptyIdentity", err)
	}
	if _, err := c.CreateSession(ctx, "alice", "bob", MediaKind("screen")); err == nil {
		t.Errorf("invalid media kind accepted")
	}
}

func TestPublishOfferWriteOnce(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaVideo)

	if err := c.PublishOffer(ctx, id, "alice", "offer-1"); err != nil {
		t.Fatalf("first PublishOffer: %v", err)
	}
	err := c.PublishOffer(ctx, id, "alice", "offer-2")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second PublishOffer: got %v, want ErrConflict", err)
	}

	ch, cancel, err := c.WatchSession(ctx, id, "bob")
	if err != nil {
		t.Fatalf("WatchSession: %v", err)
	}
	defer cancel()
	ev := recvSession(t, ch)
	if ev.Session.Offer != "offer-1" {
		t.Fatalf("stored offer = %q, want first payload", ev.Session.Offer)
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaVideo)

	calleeCh, cancelCallee, err := c.WatchSession(ctx, id, "bob")
	if err != nil {
		t.Fatalf("callee WatchSession: %v", err)
	}
	defer cancelCallee()

	if err := c.PublishOffer(ctx, id, "alice", "O"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	var got *Session
	for got == nil || got.Offer == "" {
		ev := recvSession(t, calleeCh)
		got = ev.Session
	}
	if got.Offer != "O" || got.Kind != MediaVideo {
		t.Fatalf("callee saw offer=%q kind=%q", got.Offer, got.Kind)
	}

	callerCh, cancelCaller, err := c.WatchSession(ctx, id, "alice")
	if err != nil {
		t.Fatalf("caller WatchSession: %v", err)
	}
	defer cancelCaller()

	if err := c.PublishAnswer(ctx, id, "bob", "A"); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}

	got = nil
	for got == nil || got.Answer == "" {
		ev := recvSession(t, callerCh)
		got = ev.Session
	}
	if got.Answer != "A" {
		t.Fatalf("caller saw answer=%q, want A", got.Answer)
	}
}

func TestOfferAnswerPartyEnforcement(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaVideo)

	// A stranger must not seed the offer slot; write-once would otherwise let
	// them poison the call and lock out the legitimate caller.
	if err := c.PublishOffer(ctx, id, "mallory", "rogue-offer"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger offer: got %v, want ErrNotAuthorized", err)
	}
	if err := c.PublishOffer(ctx, id, "bob", "callee-offer"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("callee offer: got %v, want ErrNotAuthorized", err)
	}
	if err := c.PublishOffer(ctx, id, "alice", "O"); err != nil {
		t.Fatalf("caller offer after rejected attempts: %v", err)
	}

	if err := c.PublishAnswer(ctx, id, "alice", "self-answer"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("caller answering own call: got %v, want ErrNotAuthorized", err)
	}
	if err := c.PublishAnswer(ctx, id, "mallory", "rogue-answer"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger answer: got %v, want ErrNotAuthorized", err)
	}
	if err := c.PublishAnswer(ctx, id, "bob", "A"); err != nil {
		t.Fatalf("callee answer: %v", err)
	}
}

func TestWatchesRestrictedToParties(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	if _, _, err := c.WatchSession(ctx, id, "mallory"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger session watch: got %v, want ErrNotAuthorized", err)
	}
	if _, _, err := c.WatchCandidates(ctx, id, "mallory", "alice"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("stranger candidate watch: got %v, want ErrNotAuthorized", err)
	}
	// A party reads the peer's partition only, never its own or a stranger's.
	if _, _, err := c.WatchCandidates(ctx, id, "alice", "alice"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("own partition watch: got %v, want ErrNotAuthorized", err)
	}
	if _, _, err := c.WatchCandidates(ctx, id, "alice", "mallory"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-party sender watch: got %v, want ErrNotAuthorized", err)
	}

	if _, _, err := c.WatchSession(ctx, id, "bob"); err != nil {
		t.Errorf("party session watch: %v", err)
	}
	if _, _, err := c.WatchCandidates(ctx, id, "bob", "alice"); err != nil {
		t.Errorf("party candidate watch: %v", err)
	}
}

func TestPublishAnswerRequiresOffer(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	if err := c.PublishAnswer(ctx, id, "bob", "A"); !errors.Is(err, callstate.ErrIllegalTransition) {
		t.Fatalf("answer before offer: got %v, want ErrIllegalTransition", err)
	}
}

func TestCandidateOrdering(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	const n = 25
	for i := 0; i < n; i++ {
		if err := c.AppendCandidate(ctx, id, "alice", fmt.Sprintf("cand-%d", i)); err != nil {
			t.Fatalf("AppendCandidate %d: %v", i, err)
		}
	}

	ch, cancel, err := c.WatchCandidates(ctx, id, "bob", "alice")
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer cancel()

	// Half replayed, half appended live after subscribing.
	for i := n; i < 2*n; i++ {
		if err := c.AppendCandidate(ctx, id, "alice", fmt.Sprintf("cand-%d", i)); err != nil {
			t.Fatalf("AppendCandidate %d: %v", i, err)
		}
	}

	var lastSeq uint64
	for i := 0; i < 2*n; i++ {
		select {
		case cand := <-ch:
			if want := fmt.Sprintf("cand-%d", i); cand.Payload != want {
				t.Fatalf("candidate %d: got %q, want %q", i, cand.Payload, want)
			}
			if cand.Seq <= lastSeq {
				t.Fatalf("candidate %d: seq %d not monotonic after %d", i, cand.Seq, lastSeq)
			}
			lastSeq = cand.Seq
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for candidate %d", i)
		}
	}
}

func TestCandidatesPartitionedPerSender(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	ch, cancel, err := c.WatchCandidates(ctx, id, "alice", "bob")
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer cancel()

	if err := c.AppendCandidate(ctx, id, "alice", "from-alice"); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	if err := c.AppendCandidate(ctx, id, "bob", "from-bob"); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}

	select {
	case cand := <-ch:
		if cand.SenderID != "bob" || cand.Payload != "from-bob" {
			t.Fatalf("got candidate %+v, want bob's only", cand)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for bob's candidate")
	}
}

func TestAppendCandidateAfterTerminal(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	if err := c.SetStatus(ctx, id, "alice", callstate.StatusEnded); err != nil {
		t.Fatalf("SetStatus(ended): %v", err)
	}
	if err := c.AppendCandidate(ctx, id, "alice", "late"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("append after end: got %v, want ErrTerminal", err)
	}
}

func TestSetStatusAuthorization(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	if err := c.PublishOffer(ctx, id, "alice", "O"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	if err := c.PublishAnswer(ctx, id, "bob", "A"); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}

	// Caller must not answer its own call.
	if err := c.SetStatus(ctx, id, "alice", callstate.StatusAnswered); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("caller answer: got %v, want ErrNotAuthorized", err)
	}
	// A stranger is rejected outright.
	if err := c.SetStatus(ctx, id, "mallory", callstate.StatusEnded); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("stranger end: got %v, want ErrNotAuthorized", err)
	}

	if err := c.SetStatus(ctx, id, "bob", callstate.StatusAnswered); err != nil {
		t.Fatalf("callee answer: %v", err)
	}
	if err := c.SetStatus(ctx, id, "alice", callstate.StatusInProgress); err != nil {
		t.Fatalf("in-progress: %v", err)
	}
}

func TestSetStatusMonotonic(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	if err := c.SetStatus(ctx, id, "bob", callstate.StatusDeclined); err != nil {
		t.Fatalf("decline: %v", err)
	}
	// No edge leaves a terminal state.
	if err := c.SetStatus(ctx, id, "alice", callstate.StatusEnded); !errors.Is(err, callstate.ErrAlreadyTerminal) {
		t.Fatalf("end after decline: got %v, want ErrAlreadyTerminal", err)
	}

	ch, cancel, err := c.WatchSession(ctx, id, "alice")
	if err != nil {
		t.Fatalf("WatchSession: %v", err)
	}
	defer cancel()
	ev := recvSession(t, ch)
	if ev.Session.Status != callstate.StatusDeclined {
		t.Fatalf("status = %s, want declined preserved", ev.Session.Status)
	}
	if ev.Session.EndedAt.IsZero() {
		t.Fatalf("EndedAt not set on terminal status")
	}
}

func TestWatchSessionRemoved(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	ch, cancel, err := c.WatchSession(ctx, id, "alice")
	if err != nil {
		t.Fatalf("WatchSession: %v", err)
	}
	defer cancel()

	ev := recvSession(t, ch)
	if ev.Removed || ev.Session == nil {
		t.Fatalf("initial event = %+v, want snapshot", ev)
	}

	c.RemoveSession(id)

	ev = recvSession(t, ch)
	if !ev.Removed || ev.Session != nil {
		t.Fatalf("after removal got %+v, want removed event", ev)
	}
}

func TestWatchIncoming(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	// A pending session created before the watch is replayed.
	first := mustCreate(t, c, "alice", "bob", MediaAudio)

	ch, cancel, err := c.WatchIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("WatchIncoming: %v", err)
	}
	defer cancel()

	select {
	case sess := <-ch:
		if sess.ID != first {
			t.Fatalf("replayed session %q, want %q", sess.ID, first)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for replayed incoming session")
	}

	second := mustCreate(t, c, "carol", "bob", MediaVideo)
	select {
	case sess := <-ch:
		if sess.ID != second || sess.CallerID != "carol" {
			t.Fatalf("live incoming = %+v, want carol's session", sess)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for live incoming session")
	}

	// Sessions for other callees are not delivered.
	mustCreate(t, c, "carol", "dave", MediaAudio)
	select {
	case sess := <-ch:
		t.Fatalf("unexpected incoming session %+v", sess)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeleteCandidatesIdempotent(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()
	id := mustCreate(t, c, "alice", "bob", MediaAudio)

	if err := c.AppendCandidate(ctx, id, "alice", "x"); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	if err := c.DeleteCandidates(ctx, id); err != nil {
		t.Fatalf("DeleteCandidates: %v", err)
	}
	if err := c.DeleteCandidates(ctx, id); err != nil {
		t.Fatalf("second DeleteCandidates: %v", err)
	}
	if err := c.DeleteCandidates(ctx, "no-such-session"); err != nil {
		t.Fatalf("DeleteCandidates on unknown session: %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	c := newTestChannel(t)
	ctx := context.Background()

	if err := c.PublishOffer(ctx, "nope", "alice", "O"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PublishOffer: got %v, want ErrNotFound", err)
	}
	if _, _, err := c.WatchSession(ctx, "nope", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("WatchSession: got %v, want ErrNotFound", err)
	}
}
