package crdt

import (
	"encoding/json"
	"testing"

	"github.com/meshdb/meshkv/internal/wire"
)

func frozenClock(t float64) Clock {
	return func() float64 { return t }
}

func TestSetGet(t *testing.T) {
	s := New("a", frozenClock(100), nil)
	s.Set("k", json.RawMessage(`"v1"`))

	value, ok := s.Get("k")
	if !ok {
		t.Fatal("expected key to be present")
	}
	if string(value) != `"v1"` {
		t.Fatalf("got %s, want \"v1\"", value)
	}
	if s.Version() != 1 {
		t.Fatalf("version = %d, want 1", s.Version())
	}
}

func TestDeleteShadowsValue(t *testing.T) {
	s := New("a", frozenClock(100), nil)
	s.Set("k", json.RawMessage(`"v1"`))
	s.Delete("k")

	if _, ok := s.Get("k"); ok {
		t.Fatal("expected key to be absent after delete")
	}
	keys := s.Keys()
	if len(keys) != 0 {
		t.Fatalf("expected no live keys, got %v", keys)
	}
}

func TestSetAfterDeleteResurrects(t *testing.T) {
	s := New("a", frozenClock(100), nil)
	s.Delete("k")
	s.clock = frozenClock(200)
	s.Set("k", json.RawMessage(`"v2"`))

	value, ok := s.Get("k")
	if !ok {
		t.Fatal("expected key to be present after later set")
	}
	if string(value) != `"v2"` {
		t.Fatalf("got %s, want \"v2\"", value)
	}
}

func TestChangeCallbackFires(t *testing.T) {
	var got []string
	s := New("a", frozenClock(1), func(key string, value json.RawMessage, op ChangeOp) {
		got = append(got, string(op)+":"+key)
	})
	s.Set("k1", json.RawMessage(`1`))
	s.Delete("k1")

	want := []string{"set:k1", "delete:k1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergeLWWTieBreakByOrigin(t *testing.T) {
	a := New("node_a", frozenClock(1000), nil)
	b := New("node_b", frozenClock(1000), nil)

	a.Set("x", json.RawMessage(`"A"`))
	b.Set("x", json.RawMessage(`"B"`))

	a.Merge(b.Snapshot())
	b.Merge(a.Snapshot())

	va, _ := a.Get("x")
	vb, _ := b.Get("x")
	if string(va) != `"B"` || string(vb) != `"B"` {
		t.Fatalf("expected both nodes to converge to B, got a=%s b=%s", va, vb)
	}
}

func TestMergeDeleteBeatsEarlierWrite(t *testing.T) {
	a := New("node_a", frozenClock(100), nil)
	a.Set("k", json.RawMessage(`"v1"`))

	b := New("node_b", frozenClock(200), nil)
	b.Merge(a.Snapshot())
	b.Delete("k")

	a.Merge(b.Snapshot())

	if _, ok := a.Get("k"); ok {
		t.Fatal("expected delete to win over earlier write")
	}
	if _, ok := b.Get("k"); ok {
		t.Fatal("expected delete to win locally too")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	a := New("node_a", frozenClock(1), nil)
	a.Set("k", json.RawMessage(`1`))

	b := New("node_b", frozenClock(1), nil)
	snapshot := a.Snapshot()

	first := b.Merge(snapshot)
	second := b.Merge(snapshot)

	if first != 1 {
		t.Fatalf("first merge changed %d keys, want 1", first)
	}
	if second != 0 {
		t.Fatalf("second merge changed %d keys, want 0 (idempotent)", second)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	a := New("node_a", frozenClock(1), nil)
	a.Set("x", json.RawMessage(`"a"`))
	snapA := a.Snapshot()

	b := New("node_b", frozenClock(2), nil)
	b.Set("y", json.RawMessage(`"b"`))
	snapB := b.Snapshot()

	left := New("left", nil, nil)
	left.Merge(snapA)
	left.Merge(snapB)

	right := New("right", nil, nil)
	right.Merge(snapB)
	right.Merge(snapA)

	lx, _ := left.Get("x")
	ly, _ := left.Get("y")
	rx, _ := right.Get("x")
	ry, _ := right.Get("y")
	if string(lx) != string(rx) || string(ly) != string(ry) {
		t.Fatalf("merge order affected result: left=(%s,%s) right=(%s,%s)", lx, ly, rx, ry)
	}
}

func TestMergeVectorClockTakesMax(t *testing.T) {
	s := New("a", nil, nil)
	remote := wire.SyncResponsePayload{
		VectorClock: map[string]int64{"a": 1, "b": 5},
	}
	s.Merge(remote)

	snap := s.Snapshot()
	if snap.VectorClock["b"] != 5 {
		t.Fatalf("vector clock for b = %d, want 5", snap.VectorClock["b"])
	}
}
