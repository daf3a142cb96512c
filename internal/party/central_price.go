package party

import (
	"math"

	"github.com/rg-network/node/pkg/types"
)

// Pricing constants mirror the teacher's amm.go fee-bps convention
// (basis points out of 10,000) and the original implementation's
// exponential min-ask decay (order_fulfillment.rs's PriceVolume curve).
const (
	defaultSpreadBps = 30 // 0.30%

	// minAskHalfLifeSeconds controls how quickly the floor relaxes back
	// toward the mid price after a deposit pushes it up; one half-life per
	// this many seconds of elapsed time with no further deposits.
	minAskHalfLifeSeconds = 3600.0
)

// NewCentralPrice seeds a pricing curve at genesis: reserves at zero, a
// unit mid-price, and a min-ask floor equal to the mid price (no decay
// pressure yet).
func NewCentralPrice(currency types.Currency, now int64) types.CentralPrice {
	return types.CentralPrice{
		Currency:    currency,
		MidPriceNum: 1,
		MidPriceDen: 1,
		MinAskFloor: 1,
		MinAskSetAt: now,
		SpreadBps:   defaultSpreadBps,
	}
}

// decayedMinAsk returns the floor's current value after exponential decay
// toward the mid price since it was last set, grounded on
// order_fulfillment.rs's PriceVolume curve: a deposit raises the floor
// immediately; absent further deposits, it relaxes back down over time.
func decayedMinAsk(c types.CentralPrice, now int64) uint64 {
	elapsed := float64(now - c.MinAskSetAt)
	if elapsed <= 0 {
		return c.MinAskFloor
	}
	mid := midPrice(c)
	if c.MinAskFloor <= mid {
		return c.MinAskFloor
	}
	decay := math.Exp(-elapsed / minAskHalfLifeSeconds * math.Ln2)
	floor := mid + uint64(float64(c.MinAskFloor-mid)*decay)
	if floor < mid {
		floor = mid
	}
	return floor
}

func midPrice(c types.CentralPrice) uint64 {
	if c.MidPriceDen == 0 {
		return 0
	}
	return c.MidPriceNum / c.MidPriceDen
}

// fulfillOrder attempts to fill an order of size amount against the curve
// (ask side for external deposits, bid side for internal swaps), returning
// the fulfilled amount and the curve after the fill. Grounded on the
// teacher's amm.go constant-product swap math (fee-adjusted amount against
// opposing reserve), bounded below by the currency's decayed min-ask floor
// on the ask side.
func fulfillOrder(c types.CentralPrice, amount uint64, isAsk bool, now int64) (types.CentralPrice, uint64) {
	feeAdj := 1.0 - float64(c.SpreadBps)/10_000.0
	mid := float64(midPrice(c))
	if mid == 0 {
		mid = 1
	}

	var fulfilled uint64
	next := c

	if isAsk {
		floor := decayedMinAsk(c, now)
		price := mid
		if float64(floor) > price {
			price = float64(floor)
		}
		fulfilled = uint64(float64(amount) * feeAdj / price)
		next.ForeignReserve += amount
		next.NativeReserve -= fulfilled
		next.CumulativeBias += int64(amount)
		if next.MinAskFloor < uint64(price) {
			next.MinAskFloor = uint64(price)
			next.MinAskSetAt = now
		}
	} else {
		fulfilled = uint64(float64(amount) * feeAdj * mid)
		next.NativeReserve += amount
		next.ForeignReserve -= fulfilled
		next.CumulativeBias -= int64(amount)
	}

	next.MidPriceNum, next.MidPriceDen = rebalancedMid(next)
	return next, fulfilled
}

// rebalancedMid recomputes the mid price from current reserves, matching
// the constant-product ratio the teacher's amm.go uses for pool pricing.
func rebalancedMid(c types.CentralPrice) (uint64, uint64) {
	if c.ForeignReserve == 0 {
		return c.MidPriceNum, c.MidPriceDen
	}
	return c.NativeReserve, c.ForeignReserve
}
