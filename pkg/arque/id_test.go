package arque

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventIDRoundTrip(t *testing.T) {
	id := NewEventID()

	t.Run("Bytes", func(t *testing.T) {
		got, err := EventIDFromBytes(id.Bytes())
		require.NoError(t, err)
		require.Equal(t, id, got)
	})

	t.Run("Hex", func(t *testing.T) {
		got, err := EventIDFromHex(id.Hex())
		require.NoError(t, err)
		require.Equal(t, id, got)
	})

	t.Run("Base64", func(t *testing.T) {
		got, err := EventIDFromBase64(id.Base64())
		require.NoError(t, err)
		require.Equal(t, id, got)
	})

	t.Run("String", func(t *testing.T) {
		got, err := ParseEventID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, got)
	})
}

func TestEventIDRejectsWrongLength(t *testing.T) {
	if _, err := EventIDFromBytes(make([]byte, 12)); err == nil {
		t.Fatal("expected error for 12-byte input")
	}
	if _, err := EventIDFromBytes(make([]byte, 17)); err == nil {
		t.Fatal("expected error for 17-byte input")
	}
}

func TestEventIDTimeSortable(t *testing.T) {
	a := NewEventID()
	time.Sleep(2 * time.Millisecond)
	b := NewEventID()

	if bytes.Compare(a.Bytes(), b.Bytes()) >= 0 {
		t.Fatalf("ids not time-sortable: %s >= %s", a, b)
	}

	// Timestamp prefix should reflect generation time within a second.
	if d := time.Since(a.Time()); d < 0 || d > time.Second {
		t.Errorf("unexpected id timestamp drift: %v", d)
	}
}

func TestEventIDMonotonicWithinMillisecond(t *testing.T) {
	prev := NewEventID()
	for i := 0; i < 1000; i++ {
		next := NewEventID()
		if bytes.Compare(prev.Bytes(), next.Bytes()) >= 0 {
			t.Fatalf("ids not strictly increasing at iteration %d", i)
		}
		prev = next
	}
}

func TestAggregateIDRoundTrip(t *testing.T) {
	id := NewAggregateID()

	got, err := AggregateIDFromBytes(id.Bytes())
	require.NoError(t, err)
	require.Equal(t, id, got)

	got, err = AggregateIDFromBase64(id.Base64())
	require.NoError(t, err)
	require.Equal(t, id, got)

	if _, err := AggregateIDFromBytes(make([]byte, 12)); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestAggregateIDTimestampPrefix(t *testing.T) {
	id := NewAggregateID()

	if d := time.Since(id.Time()); d < 0 || d > time.Second {
		t.Errorf("unexpected id timestamp drift: %v", d)
	}
	if id.IsZero() {
		t.Error("generated id is zero")
	}
}

func TestAggregateIDUniqueness(t *testing.T) {
	seen := make(map[AggregateID]bool)
	for i := 0; i < 1000; i++ {
		id := NewAggregateID()
		if seen[id] {
			t.Fatalf("duplicate aggregate id after %d generations", i)
		}
		seen[id] = true
	}
}
