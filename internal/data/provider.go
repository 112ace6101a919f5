package data

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Provider adapts a Store to the protection package's DataProvider
// interface: total return over a window, computed from closes.
type Provider struct {
	logger *zap.Logger
	store  *Store
}

// NewProvider wraps store for use as a protection.DataProvider.
func NewProvider(logger *zap.Logger, store *Store) *Provider {
	return &Provider{logger: logger, store: store}
}

// AssetReturn returns the total close-to-close return of asset across
// [start, end]. The second value is false when fewer than two bars are
// available in the window, signalling DataUnavailable to the caller
// rather than a misleading zero return.
func (p *Provider) AssetReturn(asset string, start, end time.Time) (decimal.Decimal, bool) {
	bars, err := p.store.LoadBars(asset, start, end)
	if err != nil {
		p.logger.Warn("failed to load bars for return calculation",
			zap.String("asset", asset), zap.Error(err))
		return decimal.Zero, false
	}
	if len(bars) < 2 {
		return decimal.Zero, false
	}

	first := bars[0].Close
	last := bars[len(bars)-1].Close
	if first.IsZero() {
		return decimal.Zero, false
	}
	total := last.Sub(first).Div(first)
	return total, true
}

// VolatilityAdjustedReturn scales AssetReturn's raw total by the
// inverse of its volatility (stat.StdDev over daily returns, not
// annualized), used where the protection layer wants a risk-adjusted
// signal instead of a raw return. Returns false under the same
// conditions as AssetReturn, or when volatility cannot be computed.
func (p *Provider) VolatilityAdjustedReturn(asset string, start, end time.Time) (decimal.Decimal, bool) {
	bars, err := p.store.LoadBars(asset, start, end)
	if err != nil || len(bars) < 3 {
		return decimal.Zero, false
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}
	dailyReturns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		dailyReturns = append(dailyReturns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(dailyReturns) < 2 {
		return decimal.Zero, false
	}

	vol := stat.StdDev(dailyReturns, nil)
	if vol == 0 {
		return decimal.Zero, false
	}

	raw, ok := p.AssetReturn(asset, start, end)
	if !ok {
		return decimal.Zero, false
	}
	rawFloat, _ := raw.Float64()
	return decimal.NewFromFloat(rawFloat / vol), true
}
