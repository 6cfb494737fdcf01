package stream

import (
	"errors"
	"testing"

	"ragstream/internal/ragerr"
)

func TestHappyPathSequenceIsMonotonicWithNoGaps(t *testing.T) {
	n := New("p1", RoleAssistant)

	var deltas []Delta
	for _, raw := range [][]byte{[]byte("He"), []byte("ll"), []byte("o")} {
		if d, ok := n.Feed(raw); ok {
			deltas = append(deltas, d)
		}
	}
	deltas = append(deltas, n.Done())

	if len(deltas) != 4 {
		t.Fatalf("expected 4 deltas, got %d", len(deltas))
	}
	for i, d := range deltas {
		if d.Seq != i {
			t.Errorf("delta %d has seq %d", i, d.Seq)
		}
	}
	if deltas[3].Type != Done {
		t.Errorf("last delta type = %v, want done", deltas[3].Type)
	}
	for i := 0; i < 3; i++ {
		if deltas[i].Type != Token {
			t.Errorf("delta %d type = %v, want token", i, deltas[i].Type)
		}
	}
	if deltas[0].Text != "He" || deltas[1].Text != "ll" || deltas[2].Text != "o" {
		t.Errorf("unexpected token text: %+v", deltas[:3])
	}
}

func TestUTF8BoundarySplitAcrossChunks(t *testing.T) {
	n := New("p1", RoleAssistant)

	// 'é' = 0xC3 0xA9, split across two raw chunks.
	d1, ok1 := n.Feed([]byte{0xC3})
	if ok1 {
		t.Fatalf("expected no delta from an incomplete codepoint, got %+v", d1)
	}

	d2, ok2 := n.Feed([]byte{0xA9})
	if !ok2 {
		t.Fatal("expected a delta once the codepoint completes")
	}
	if d2.Text != "é" {
		t.Errorf("text = %q, want %q", d2.Text, "é")
	}
}

func TestUTF8BoundaryWithPrecedingAndTrailingASCII(t *testing.T) {
	n := New("p1", RoleAssistant)

	d1, ok1 := n.Feed([]byte("caf" + string([]byte{0xC3})))
	if !ok1 {
		t.Fatal("expected the ASCII prefix to be emitted immediately")
	}
	if d1.Text != "caf" {
		t.Errorf("text = %q, want %q", d1.Text, "caf")
	}

	d2, ok2 := n.Feed([]byte{0xA9, '!'})
	if !ok2 {
		t.Fatal("expected a delta once the codepoint completes")
	}
	if d2.Text != "é!" {
		t.Errorf("text = %q, want %q", d2.Text, "é!")
	}
}

func TestDedupeCollapsesConsecutiveIdenticalChunks(t *testing.T) {
	n := New("p1", RoleAssistant, WithDedupe())

	d1, ok1 := n.Feed([]byte("same"))
	if !ok1 {
		t.Fatal("expected first chunk to emit")
	}
	_, ok2 := n.Feed([]byte("same"))
	if ok2 {
		t.Error("expected duplicate consecutive chunk to be collapsed")
	}
	d3, ok3 := n.Feed([]byte("different"))
	if !ok3 {
		t.Fatal("expected distinct chunk to emit")
	}

	if d1.Seq != 0 || d3.Seq != 1 {
		t.Errorf("seq values after dedupe: %d, %d", d1.Seq, d3.Seq)
	}
}

func TestFailEmitsErrorDeltaWithCodeAndMessage(t *testing.T) {
	n := New("p1", RoleAssistant)
	n.Feed([]byte("partial"))

	err := ragerr.New(ragerr.ProviderStreamError, "upstream closed")
	d := n.Fail(err)

	if d.Type != Error {
		t.Errorf("type = %v, want error", d.Type)
	}
	if d.Metadata["code"] != string(ragerr.ProviderStreamError) {
		t.Errorf("metadata code = %v", d.Metadata["code"])
	}
	if d.Metadata["message"] != "upstream closed" {
		t.Errorf("metadata message = %v", d.Metadata["message"])
	}
}

func TestFailWrapsOpaqueError(t *testing.T) {
	n := New("p1", RoleAssistant)
	d := n.Fail(errors.New("boom"))
	if d.Metadata["code"] != string(ragerr.StorageFailure) {
		t.Errorf("metadata code = %v, want fallback code", d.Metadata["code"])
	}
}

func TestNoDeltaAfterTerminal(t *testing.T) {
	n := New("p1", RoleAssistant)
	n.Done()
	if _, ok := n.Feed([]byte("late")); ok {
		t.Error("expected no further deltas after Done")
	}
}
