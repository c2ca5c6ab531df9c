package ring

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/marketrelay/ingest/pkg/wire"
)

func payload(hash string) wire.TradePayload {
	return wire.TradePayload{
		Hash:          hash,
		Size:          decimal.NewFromInt(1),
		StartPosition: decimal.Zero,
		PriceUsd:      decimal.NewFromInt(60000),
	}
}

func TestRing_SeqMonotonic(t *testing.T) {
	r := New(10)
	e1 := r.Push(payload("a"))
	e2 := r.Push(payload("b"))
	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, int64(2), r.LatestSeq())
}

func TestRing_DropsOldestOnOverflow(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Push(payload("x"))
	}
	assert.Equal(t, int64(5), r.LatestSeq())
	events := r.ListSince(0, 100)
	assert.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)
}

func TestRing_ListSince_Replay(t *testing.T) {
	r := New(5000)
	for i := 0; i < 1000; i++ {
		r.Push(payload("x"))
	}
	events := r.ListSince(995, 500)
	assert.Len(t, events, 5)
	assert.Equal(t, int64(996), events[0].Seq)
	assert.Equal(t, int64(1000), events[4].Seq)
}

func TestRing_ListSince_BeforeTail_BackfillsFromTail(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Push(payload("x"))
	}
	// tail is seq 3; asking for since=0 should return from the tail, not error.
	events := r.ListSince(0, 100)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestRing_ListSince_MaxCap(t *testing.T) {
	r := New(5000)
	for i := 0; i < 10; i++ {
		r.Push(payload("x"))
	}
	events := r.ListSince(0, 2)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestRing_ListSince_Empty(t *testing.T) {
	r := New(10)
	assert.Nil(t, r.ListSince(0, 10))
}
