package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "BTCUSDT", "BTCUSDT"},
		{"bybit", "ETHUSDT", "ETHUSDT"},
		{"coinbase", "BTC-USD", "BTCUSD"},
		{"coinbase", "eth-usdt", "ETHUSDT"},
		{"kraken", "XBT/USD", "BTCUSD"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Canonical(c.exchange, c.in), "%s %s", c.exchange, c.in)
	}
}

func TestToNative(t *testing.T) {
	assert.Equal(t, "BTC-USD", ToNative("coinbase", "BTCUSD"))
	assert.Equal(t, "SOL-USDT", ToNative("coinbase", "SOLUSDT"))
	// heuristic fallback for a pair without a table entry
	assert.Equal(t, "DOGE-USD", ToNative("coinbase", "DOGEUSD"))
	// binance/bybit keep the canonical spelling
	assert.Equal(t, "BTCUSDT", ToNative("binance", "BTCUSDT"))
}

// The suffix heuristic cannot tell where the base ends when the base asset
// itself ends in a quote currency. WBTCBTC splits as WBTC+BTC only because
// the longest-suffix rule happens to work; a base literally named "XUSDT"
// quoted in USD would split wrong. Such pairs must live in the explicit
// table, which wins before the heuristic runs.
func TestToNativeAmbiguousBase(t *testing.T) {
	assert.Equal(t, "WBTC-BTC", ToNative("coinbase", "WBTCBTC"))

	// XUSDTUSD: heuristic strips USDT first (longest match) and yields the
	// wrong split. Pinned here so the degraded behavior is explicit.
	assert.Equal(t, "X-USDT", ToNative("coinbase", "XUSDT"))
}
