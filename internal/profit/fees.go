package profit

// DefaultFeeEstimatesUSDT approximates withdrawal costs for coins whose venue fee is unknown.
var DefaultFeeEstimatesUSDT = map[string]float64{
	"BTC":   15,
	"ETH":   3,
	"BNB":   0.3,
	"SOL":   0.2,
	"XRP":   0.15,
	"TRX":   1,
	"USDT":  1,
	"USDC":  1,
	"LTC":   0.1,
	"DOGE":  1,
	"TON":   0.1,
	"ADA":   0.5,
	"MATIC": 0.1,
	"POL":   0.1,
	"AVAX":  0.3,
	"DOT":   0.5,
	"ATOM":  0.1,
	"XLM":   0.01,
	"LINK":  1,
	"ARB":   0.3,
	"OP":    0.3,
}
