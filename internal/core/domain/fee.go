package domain

// Keys of the mappings returned by fee providers.
const (
	FeeTimestampKey = "bitcoinFeesTs"
	FeeRateKeyBTC   = "BTC"
)

// DefaultTxFeePerByte is served before the first successful fetch completes.
// Miner fees are between 1-600 sat/byte, we stay on the safe side.
const DefaultTxFeePerByte uint64 = 50

// SettlementCurrency is the currency a trade fee is paid in.
type SettlementCurrency uint8

const (
	SettlementCurrencyBTC SettlementCurrency = iota
	SettlementCurrencyBSQ
)

func (c SettlementCurrency) String() string {
	switch c {
	case SettlementCurrencyBTC:
		return "BTC"
	case SettlementCurrencyBSQ:
		return "BSQ"
	default:
		return "unknown"
	}
}

// TradeFeeSchedule holds the static trade-fee constants for a settlement
// currency, in the smallest unit of that currency.
type TradeFeeSchedule struct {
	MinMakerFee     uint64
	DefaultMakerFee uint64
	MinTakerFee     uint64
	DefaultTakerFee uint64
}

var tradeFeeSchedules = map[SettlementCurrency]TradeFeeSchedule{
	SettlementCurrencyBTC: {
		// 0.005%, 0.5 USD at BTC price 10_000 USD.
		MinMakerFee: 5_000,
		MinTakerFee: 5_000,
		// 0.2%, 20 USD at BTC price 10_000 USD for a 1 BTC trade.
		DefaultMakerFee: 200_000,
		DefaultTakerFee: 200_000,
	},
	SettlementCurrencyBSQ: {
		// 0.05 BSQ (5 satoshi) for a 1 BTC trade, about 10% of the BTC fee.
		MinMakerFee:     5,
		MinTakerFee:     5,
		DefaultMakerFee: 200,
		DefaultTakerFee: 200,
	},
}

// TradeFeeScheduleFor returns the compiled-in trade-fee constants for the
// given settlement currency. Unknown currencies fall back to BTC.
func TradeFeeScheduleFor(currency SettlementCurrency) TradeFeeSchedule {
	schedule, ok := tradeFeeSchedules[currency]
	if !ok {
		return tradeFeeSchedules[SettlementCurrencyBTC]
	}
	return schedule
}

// FeeSnapshot is the cached network-fee state, mutated only by the fee
// service on a successful refresh.
type FeeSnapshot struct {
	// TxFeePerByte is the estimated network fee rate in sat/byte.
	TxFeePerByte uint64
	// SourceTimestamp is the epoch time reported by the provider for when
	// its data was produced, not the local fetch time.
	SourceTimestamp int64
}

// FeeData is the raw payload returned by a fee provider: a timestamp
// mapping and a fee-rate mapping.
type FeeData struct {
	Timestamps map[string]int64
	Rates      map[string]uint64
}

// FeeUpdate is the versioned value pushed to subscribers after every
// successful cache update. Version increases by exactly one per update.
type FeeUpdate struct {
	Version         uint64
	TxFeePerByte    uint64
	SourceTimestamp int64
}
