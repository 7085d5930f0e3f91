package kucoin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/orderbook"
)

func TestL2Update_InterleavedSidesApplyInSequenceOrder(t *testing.T) {
	raw := `{"symbol":"ETH-USDT","sequenceStart":101,"sequenceEnd":104,
"changes":{"asks":[["2001","1","102"],["2002","2","104"]],"bids":[["1999","3","101"],["1998","4","103"]]}}`
	var msg L2UpdateMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	deltas, err := msg.ToDomainDeltas()
	require.NoError(t, err)
	require.Len(t, deltas, 4)
	for i, d := range deltas {
		assert.Equal(t, int64(101+i), d.Sequence)
	}

	pair := domain.Pair{Base: "ETH", Quote: "USDT"}
	book := orderbook.NewBook(pair)
	_, err = book.Calibrate(domain.BookSnapshot{Pair: pair, Sequence: 100}, nil)
	require.NoError(t, err)
	for _, d := range deltas {
		gap, err := book.Update(d.Side, d.Price, d.Size, d.Sequence)
		require.NoError(t, err)
		assert.Zero(t, gap)
	}

	assert.Len(t, book.Levels(domain.BookBids), 2)
	assert.Len(t, book.Levels(domain.BookAsks), 2)
	assert.Zero(t, book.MissingCount())
	assert.Equal(t, int64(104), book.LastSequence())
}
