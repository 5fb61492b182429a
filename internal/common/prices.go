package common

import "github.com/shopspring/decimal"

// PricePlaces is the precision stored prices are rounded to.
const PricePlaces = 2

// RoundPrice rounds a provider float to PricePlaces using decimal arithmetic,
// so values like 2456.4999999 are stored as 2456.50.
func RoundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(PricePlaces).InexactFloat64()
}

// RoundPricePtr rounds a non-nil price and passes nil through.
func RoundPricePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := RoundPrice(*v)
	return &r
}
