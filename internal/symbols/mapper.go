package symbols

import "strings"

// Explicit canonical -> native tables per exchange. Exact entries are
// preferred over the suffix heuristic below, which is lossy for base
// assets whose name ends in a quote currency.
var coinbaseNative = map[string]string{
	"BTCUSDT": "BTC-USDT",
	"ETHUSDT": "ETH-USDT",
	"SOLUSDT": "SOL-USDT",
	"BTCUSD":  "BTC-USD",
	"ETHUSD":  "ETH-USD",
}

var knownQuotes = []string{"USDT", "USDC", "USD", "BTC", "ETH", "EUR"}

// Canonical converts an exchange-native symbol to the canonical form used
// internally: uppercase, no separators, BTC instead of XBT.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// binance and bybit already use the desired format
	}
	return sym
}

// ToNative converts a canonical symbol to the exchange-native spelling.
// Explicit table entries win; otherwise the quote suffix is detected and
// re-joined with the exchange separator. The heuristic mis-maps symbols
// whose base asset itself ends in a quote currency, so any such pair must
// be added to the explicit table instead.
func ToNative(exchange, canonical string) string {
	canonical = strings.ToUpper(strings.TrimSpace(canonical))
	switch strings.ToLower(exchange) {
	case "coinbase":
		if native, ok := coinbaseNative[canonical]; ok {
			return native
		}
		if base, quote, ok := splitQuote(canonical); ok {
			return base + "-" + quote
		}
		return canonical
	default:
		return canonical
	}
}

// splitQuote separates a canonical pair into base and quote using the known
// quote-currency list, longest match first.
func splitQuote(sym string) (base, quote string, ok bool) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(sym, q) && len(sym) > len(q) {
			return sym[:len(sym)-len(q)], q, true
		}
	}
	return "", "", false
}
