package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RateTable holds fixed conversion rates keyed by "FROM_TO".
type RateTable map[string]decimal.Decimal

// NewRateTable derives EUR->USD as the reciprocal of usdToEur rounded to
// four places.
func NewRateTable(usdToEur decimal.Decimal) RateTable {
	return RateTable{
		rateKey(USD, EUR): usdToEur,
		rateKey(EUR, USD): decimal.NewFromInt(1).DivRound(usdToEur, 4),
	}
}

// Rate returns the rate for converting from into to.
func (t RateTable) Rate(from, to Currency) (decimal.Decimal, bool) {
	rate, ok := t[rateKey(from, to)]
	return rate, ok
}

func rateKey(from, to Currency) string {
	return fmt.Sprintf("%s_TO_%s", from, to)
}
