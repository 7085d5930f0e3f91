package executor

import (
	"testing"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type infoMap map[domain.Pair]domain.PairInfo

func (m infoMap) Info(p domain.Pair) (domain.PairInfo, bool) {
	pi, ok := m[p]
	return pi, ok
}

func (m infoMap) Between(a, b string) (domain.Pair, bool) {
	for p := range m {
		if (p.Base == a && p.Quote == b) || (p.Base == b && p.Quote == a) {
			return p, true
		}
	}
	return domain.Pair{}, false
}

func pairInfo(p domain.Pair, fee float64, baseInc, quoteInc, priceInc string) domain.PairInfo {
	return domain.PairInfo{Pair: p, Fee: fee, BaseIncrement: baseInc, QuoteIncrement: quoteInc, PriceIncrement: priceInc, Enabled: true}
}

func TestRoundDown(t *testing.T) {
	cases := []struct {
		value float64
		inc   string
		want  string
	}{
		{0.123456, "0.0001", "0.1234"},
		{0.5, "0.00010000", "0.5"},
		{1999.999, "0.01", "1999.99"},
		{12, "5", "10"},
	}
	for _, tc := range cases {
		got, err := RoundDown(tc.value, tc.inc)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := RoundDown(0.00001, "0.001")
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = RoundDown(1, "abc")
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestOrderFactory_Limit(t *testing.T) {
	infos := infoMap{ethUSDT: pairInfo(ethUSDT, 0.001, "0.0001", "0.01", "0.01")}
	f := NewOrderFactory(infos, domain.OrderTypeLimit, domain.TimeInForceGTC)

	buy, err := f.ForHop(domain.Hop{Side: domain.SideBuy, Pair: ethUSDT}, 1000, 2000.019)
	require.NoError(t, err)
	assert.Equal(t, "2000.01", buy.Price)
	assert.Equal(t, "0.4994", buy.Amount) // 999/2000.01 = 0.49949...
	assert.InDelta(t, 2000.01*0.4994, buy.RequiredBalance, 1e-9)
	assert.Equal(t, "USDT", buy.ExpectedOwned())

	sell, err := f.ForHop(domain.Hop{Side: domain.SideSell, Pair: ethUSDT}, 0.123456, 2000)
	require.NoError(t, err)
	assert.Equal(t, "0.1234", sell.Amount)
	assert.InDelta(t, 0.1234, sell.RequiredBalance, 1e-12)
}

func TestOrderFactory_Market(t *testing.T) {
	infos := infoMap{ethUSDT: pairInfo(ethUSDT, 0.001, "0.0001", "0.01", "0.01")}
	f := NewOrderFactory(infos, domain.OrderTypeMarket, "")

	buy, err := f.ForHop(domain.Hop{Side: domain.SideBuy, Pair: ethUSDT}, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeMarket, buy.Type)
	assert.Equal(t, "999", buy.Amount)
	assert.Empty(t, buy.Price)

	sell, err := f.ForHop(domain.Hop{Side: domain.SideSell, Pair: ethUSDT}, 0.55555, 0)
	require.NoError(t, err)
	assert.Equal(t, "0.5555", sell.Amount)

	_, err = f.ForHop(domain.Hop{Side: domain.SideSell, Pair: btcUSDT}, 1, 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
