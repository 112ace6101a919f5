// Package regime classifies the macro market regime and scores per-asset
// momentum from historical bars. It is the concrete implementation behind
// three narrow external-collaborator boundaries the rest of the pipeline
// only consumes through interfaces: universe.RegimeDetector,
// regimectx.RegimeSource, and scoring.TechnicalAnalyzer (spec §9).
//
// Classification follows an HMM-style forward algorithm over a rolling
// return window, the same trend/volatility/mean-reversion feature set a
// technical regime filter would use, then maps the resulting state onto
// the four macro regimes the rebalancer's diversification and sizing
// layers reason about (spec §3.1) rather than a trading-style
// bull/bear/high-vol taxonomy.
package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/data"
	"github.com/atlas-desktop/rebalancer/internal/regimectx"
	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes the detector's windows and classification thresholds.
type Config struct {
	WindowSize       int     // return observations considered per classification
	VolatilityWindow int     // trailing window for rolling volatility
	NumStates        int     // HMM state count
	VolThreshold     float64 // annualized vol above this is "high vol"
	TrendThreshold   float64 // |trend| above this is a directional regime
	MRThreshold      float64 // autocorrelation below this is mean-reverting
	ConfidenceMin    decimal.Decimal
	Benchmark        string // asset whose returns drive the macro classification
}

// DefaultConfig mirrors the thresholds a composite-index regime filter
// would use in practice.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:       100,
		VolatilityWindow: 20,
		NumStates:        4,
		VolThreshold:     0.25,
		TrendThreshold:   0.3,
		MRThreshold:      -0.1,
		ConfidenceMin:    decimal.NewFromFloat(0.6),
		Benchmark:        "SPY",
	}
}

// classification is one dated regime reading for the benchmark series.
type classification struct {
	Kind       types.RegimeKind
	Date       time.Time
	Trend      float64
	Volatility float64
	MeanRev    float64
	Confidence decimal.Decimal
}

// Detector is the shared regime/momentum engine. One Detector instance is
// wired into the universe builder (as a universe.RegimeDetector), the
// regime context provider (as a regimectx.RegimeSource), and the scoring
// service (as a scoring.TechnicalAnalyzer) — all three read the same
// underlying bar store, so a single cache of loaded returns serves every
// caller.
type Detector struct {
	logger *zap.Logger
	config *Config
	store  *data.Store

	// transitionMatrix and emission parameters are shared HMM parameters,
	// not learned online; they encode a strong self-transition prior
	// (regimes persist) with Gaussian emissions per state.
	transitionMatrix [][]float64
	emissionMeans     []float64
	emissionVars      []float64

	bucketsByRegime map[types.RegimeKind][]string

	mu      sync.RWMutex
	history map[string][]classification // keyed by benchmark asset
}

// NewDetector wires a Detector over store, classifying config.Benchmark's
// own return series for the macro regime and scoring arbitrary assets'
// momentum on request. bucketsByRegime maps each regime to the
// diversification buckets it favours (spec §4.1); a nil or missing entry
// yields no regime-specific bucket.
func NewDetector(logger *zap.Logger, config *Config, store *data.Store, bucketsByRegime map[types.RegimeKind][]string) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	d := &Detector{
		logger:          logger,
		config:          config,
		store:           store,
		bucketsByRegime: bucketsByRegime,
		history:         make(map[string][]classification),
	}
	d.initHMM()
	return d
}

func (d *Detector) initHMM() {
	n := d.config.NumStates
	d.transitionMatrix = make([][]float64, n)
	for i := 0; i < n; i++ {
		d.transitionMatrix[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				d.transitionMatrix[i][j] = 0.9
			} else {
				d.transitionMatrix[i][j] = 0.1 / float64(n-1)
			}
		}
	}
	// Goldilocks, Inflation, Deflation, Reflation, in that state order.
	d.emissionMeans = []float64{0.0008, 0.0004, -0.0008, 0.0}
	d.emissionVars = []float64{0.00005, 0.0003, 0.0004, 0.0001}
}

// ---- universe.RegimeDetector ----

var (
	_ universe.RegimeDetector = (*Detector)(nil)
	_ regimectx.RegimeSource  = (*Detector)(nil)
)

// CurrentRegime classifies the benchmark's trailing window as of date.
func (d *Detector) CurrentRegime(date time.Time) (types.RegimeKind, error) {
	c, err := d.classify(d.config.Benchmark, date)
	if err != nil {
		return types.RegimeUnknown, err
	}
	return c.Kind, nil
}

// RegimeBuckets returns the diversification buckets favoured under regime.
func (d *Detector) RegimeBuckets(regime types.RegimeKind) []string {
	return d.bucketsByRegime[regime]
}

// TrendingAssets scores every candidate's momentum and reports those at
// or above minConfidence, in descending confidence order.
func (d *Detector) TrendingAssets(date time.Time, candidates []string, minConfidence decimal.Decimal) ([]universe.TrendingCandidate, error) {
	out := make([]universe.TrendingCandidate, 0, len(candidates))
	for _, asset := range candidates {
		score, err := d.Score(asset, date)
		if err != nil {
			d.logger.Warn("trending score unavailable", zap.String("asset", asset), zap.Error(err))
			continue
		}
		confidence := momentumToConfidence(score)
		if confidence.GreaterThanOrEqual(minConfidence) {
			out = append(out, universe.TrendingCandidate{Asset: asset, Confidence: confidence})
		}
	}
	sortByConfidenceDesc(out)
	return out, nil
}

// ---- regimectx.RegimeSource ----

// CurrentRegime above also satisfies regimectx.RegimeSource's method of
// the same name; only RecentTransition is additional.

// RecentTransition reports the most recent change in the benchmark's
// classification, if the two most recent readings differ.
func (d *Detector) RecentTransition(date time.Time) (*types.RegimeTransition, bool) {
	d.mu.RLock()
	hist := d.history[d.config.Benchmark]
	d.mu.RUnlock()

	if len(hist) < 2 {
		return nil, false
	}
	curr := hist[len(hist)-1]
	prev := hist[len(hist)-2]
	if curr.Kind == prev.Kind {
		return nil, false
	}

	return &types.RegimeTransition{
		From:       prev.Kind,
		To:         curr.Kind,
		Date:       curr.Date,
		Severity:   transitionSeverity(curr),
		Momentum:   decimal.NewFromFloat(curr.Trend),
		Confidence: curr.Confidence,
		Triggers:   transitionTriggers(prev, curr),
	}, true
}

func transitionSeverity(c classification) types.Severity {
	switch {
	case c.Volatility > 0.4:
		return types.SeverityCritical
	case c.Volatility > 0.25:
		return types.SeverityHigh
	default:
		return types.SeverityNormal
	}
}

func transitionTriggers(prev, curr classification) []string {
	var triggers []string
	if math.Abs(curr.Trend-prev.Trend) > 0.3 {
		triggers = append(triggers, "trend_shift")
	}
	if curr.Volatility > d2Threshold(prev.Volatility) {
		triggers = append(triggers, "volatility_spike")
	}
	if len(triggers) == 0 {
		triggers = append(triggers, "state_probability_crossover")
	}
	return triggers
}

func d2Threshold(prevVol float64) float64 {
	return prevVol * 1.5
}

// ---- scoring.TechnicalAnalyzer ----

// Score returns a [-1, 1] momentum signal for asset as of date, derived
// from the same trend feature the regime classifier computes for itself.
// A negative score is a valid technical signal, not an error.
func (d *Detector) Score(asset string, date time.Time) (decimal.Decimal, error) {
	returns, err := d.loadReturns(asset, date)
	if err != nil {
		return decimal.Zero, err
	}
	if len(returns) < 3 {
		return decimal.Zero, fmt.Errorf("regime: insufficient history for %s: %d returns", asset, len(returns))
	}
	trend := calculateTrend(returns)
	return decimal.NewFromFloat(trend), nil
}

// classify runs the full feature extraction + HMM classification for
// asset as of date, recording the reading in history so RecentTransition
// can detect a change on the next call.
func (d *Detector) classify(asset string, date time.Time) (classification, error) {
	returns, err := d.loadReturns(asset, date)
	if err != nil {
		return classification{}, err
	}
	if len(returns) < d.config.VolatilityWindow {
		return classification{}, fmt.Errorf("regime: insufficient history for %s: need %d returns, have %d",
			asset, d.config.VolatilityWindow, len(returns))
	}

	window := returns
	if len(window) > d.config.WindowSize {
		window = window[len(window)-d.config.WindowSize:]
	}

	trend := calculateTrend(window)
	vol := calculateVolatility(window) * math.Sqrt(252)
	mr := calculateMeanReversion(window)
	probs := d.stateProbabilities(window)

	kind, confidence := d.classifyKind(trend, vol, mr, probs)

	c := classification{
		Kind:       kind,
		Date:       date,
		Trend:      trend,
		Volatility: vol,
		MeanRev:    mr,
		Confidence: confidence,
	}

	d.mu.Lock()
	d.history[asset] = append(d.history[asset], c)
	if len(d.history[asset]) > 500 {
		d.history[asset] = d.history[asset][250:]
	}
	d.mu.Unlock()

	return c, nil
}

// stateProbabilities runs a forward-algorithm pass over window, yielding
// a posterior over the four regime states given the shared HMM
// parameters (simplified: no learning, fixed transition/emission priors).
func (d *Detector) stateProbabilities(window []float64) map[types.RegimeKind]float64 {
	n := d.config.NumStates
	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = 1.0 / float64(n)
	}

	for _, ret := range window {
		next := make([]float64, n)
		for j := 0; j < n; j++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += alpha[i] * d.transitionMatrix[i][j]
			}
			next[j] = sum * gaussianPDF(ret, d.emissionMeans[j], d.emissionVars[j])
		}
		total := 0.0
		for _, v := range next {
			total += v
		}
		if total > 0 {
			for j := range next {
				next[j] /= total
			}
		}
		alpha = next
	}

	states := []types.RegimeKind{types.RegimeGoldilocks, types.RegimeInflation, types.RegimeDeflation, types.RegimeReflation}
	probs := make(map[types.RegimeKind]float64, len(states))
	for i, kind := range states {
		if i < len(alpha) {
			probs[kind] = alpha[i]
		}
	}
	return probs
}

// classifyKind picks the highest-posterior regime, then applies
// rule-based overrides when the trend/volatility signal is strong enough
// to dominate a weak HMM posterior.
func (d *Detector) classifyKind(trend, vol, mr float64, probs map[types.RegimeKind]float64) (types.RegimeKind, decimal.Decimal) {
	best := types.RegimeUnknown
	bestProb := 0.0
	for kind, p := range probs {
		if p > bestProb {
			bestProb, best = p, kind
		}
	}

	switch {
	case vol > d.config.VolThreshold && trend < -d.config.TrendThreshold:
		return types.RegimeDeflation, decimal.NewFromFloat(math.Max(bestProb, 0.7))
	case vol > d.config.VolThreshold && trend > d.config.TrendThreshold:
		return types.RegimeInflation, decimal.NewFromFloat(math.Max(bestProb, 0.65))
	case vol <= d.config.VolThreshold && trend > d.config.TrendThreshold:
		return types.RegimeGoldilocks, decimal.NewFromFloat(math.Max(bestProb, 0.65))
	case mr < d.config.MRThreshold:
		return types.RegimeReflation, decimal.NewFromFloat(math.Max(bestProb, 0.55))
	}

	if bestProb < d.config.ConfidenceMin.InexactFloat64() {
		return types.RegimeUnknown, decimal.NewFromFloat(bestProb)
	}
	return best, decimal.NewFromFloat(bestProb)
}

// loadReturns converts a trailing window of daily closes ending at date
// into close-to-close returns.
func (d *Detector) loadReturns(asset string, date time.Time) ([]float64, error) {
	start := date.AddDate(0, 0, -(d.config.WindowSize*2 + 5))
	bars, err := d.store.LoadBars(asset, start, date)
	if err != nil {
		return nil, fmt.Errorf("regime: loading bars for %s: %w", asset, err)
	}
	if len(bars) < 2 {
		return nil, fmt.Errorf("regime: insufficient bars for %s", asset)
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, _ := bars[i-1].Close.Float64()
		curr, _ := bars[i].Close.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (curr-prev)/prev)
	}
	return returns, nil
}

func calculateTrend(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	vol := calculateVolatility(returns)
	if vol == 0 {
		return 0
	}
	trend := sum / (vol * math.Sqrt(float64(len(returns))))
	return clamp(trend, -1, 1)
}

func calculateVolatility(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

func calculateMeanReversion(returns []float64) float64 {
	n := len(returns)
	if n < 3 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	autocovariance, variance := 0.0, 0.0
	for i := 1; i < n; i++ {
		autocovariance += (returns[i] - mean) * (returns[i-1] - mean)
		variance += (returns[i] - mean) * (returns[i] - mean)
	}
	if variance == 0 {
		return 0
	}
	return autocovariance / variance
}

func gaussianPDF(x, mean, variance float64) float64 {
	if variance <= 0 {
		variance = 0.0001
	}
	diff := x - mean
	exponent := -0.5 * diff * diff / variance
	coefficient := 1.0 / math.Sqrt(2*math.Pi*variance)
	return coefficient * math.Exp(exponent)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// momentumToConfidence maps a [-1, 1] momentum score onto [0, 1]
// confidence; only positive momentum counts as "trending".
func momentumToConfidence(score decimal.Decimal) decimal.Decimal {
	if score.IsNegative() {
		return decimal.Zero
	}
	if score.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return score
}

func sortByConfidenceDesc(candidates []universe.TrendingCandidate) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Confidence.GreaterThan(candidates[j-1].Confidence); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}
