// Package lifecycle tracks each held position's PositionState through its
// Active → Grace → Warning → ForcedReview → Closing stages, with a bounded
// audit trail of lifecycle events (spec §3.1).
package lifecycle

import (
	"time"

	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/atlas-desktop/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxHistoryEvents  = 100
	scoreTrendWindow  = 5
	lowScoreThreshold = 0.6

	lowScoreStreakForWarning = 5
	lowScoreStreakForGrace   = 2
	longHoldingDays          = 60
)

var lowScoreThresholdDecimal = decimal.NewFromFloat(lowScoreThreshold)

// Event is one recorded transition in a position's lifecycle.
type Event struct {
	Date          time.Time
	ActionTaken   string
	PreviousSize  decimal.Decimal
	NewSize       decimal.Decimal
	PreviousScore decimal.Decimal
	NewScore      decimal.Decimal
	Reason        string
	StageChange   string
	HealthChange  string
	ForcedReview  bool
}

// Summary is a comprehensive, read-only view of a tracked position.
type Summary struct {
	State             types.PositionState
	RecentEvents      []Event
	Recommendations   []string
	RiskFlags         []string
	PriorityLevel     string
	DaysInCurrentStage int
	AverageScore      decimal.Decimal
}

// PortfolioReport aggregates lifecycle state across every tracked
// position.
type PortfolioReport struct {
	TotalPositions        int
	TotalSize             decimal.Decimal
	StageDistribution     map[types.Stage]int
	HealthDistribution    map[types.Health]int
	BucketDistribution    map[string]int
	CriticalPositions     []string
	WarningPositions      []string
	GracePositions        []string
	PortfolioHealthScore  decimal.Decimal
	Recommendations       []string
}

// Tracker is the PositionLifecycleTracker of spec §3.1: it owns every
// held position's current PositionState plus its event history.
type Tracker struct {
	logger *zap.Logger

	states  map[string]*types.PositionState
	history map[string][]Event
}

// NewTracker constructs an empty Tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:  logger,
		states:  make(map[string]*types.PositionState),
		history: make(map[string][]Event),
	}
}

// TrackEntry records a new position's first lifecycle state.
func (t *Tracker) TrackEntry(asset string, entryDate time.Time, entrySize, entryScore decimal.Decimal, entryReason, bucket string) {
	consecutiveLow := 0
	if entryScore.LessThan(lowScoreThresholdDecimal) {
		consecutiveLow = 1
	}

	state := &types.PositionState{
		Asset:                asset,
		Stage:                types.StageActive,
		EntryDate:            entryDate,
		CurrentSize:          entrySize,
		CurrentScore:         entryScore,
		DaysHeld:             0,
		Bucket:               bucket,
		Health:               types.HealthHealthy,
		OriginalEntrySize:    entrySize,
		PeakSize:             entrySize,
		ScoreTrend:           types.TrendStable,
		ConsecutiveLowScores: consecutiveLow,
	}
	t.states[asset] = state

	t.history[asset] = []Event{{
		Date:          entryDate,
		ActionTaken:   "entry",
		PreviousScore: decimal.Zero,
		NewScore:      entryScore,
		NewSize:       entrySize,
		Reason:        entryReason,
		StageChange:   "new -> active",
		HealthChange:  "new -> healthy",
	}}

	t.logger.Info("position lifecycle started",
		zap.String("asset", asset), zap.String("bucket", bucket),
		zap.String("size", entrySize.String()), zap.String("score", entryScore.String()))
}

// Update applies a new score/size and recomputes stage and health,
// appending a lifecycle event (spec §3.1). forcedReview signals that an
// external caller (e.g. holding period max-duration check) is forcing a
// review regardless of the score-derived stage.
func (t *Tracker) Update(asset string, currentDate time.Time, newScore, newSize decimal.Decimal, actionTaken, reason string, forcedReview bool) {
	state, ok := t.states[asset]
	if !ok {
		t.logger.Warn("cannot update unknown position", zap.String("asset", asset))
		return
	}

	previousSize := state.CurrentSize
	previousScore := state.CurrentScore
	previousStage := state.Stage
	previousHealth := state.Health

	state.CurrentSize = newSize
	state.CurrentScore = newScore
	state.DaysHeld = utils.DaysBetween(state.EntryDate, currentDate)
	state.LastAdjustment = &currentDate

	t.updateDerivedMetrics(state, asset, newSize, newScore)

	state.Stage = t.determineStage(state, actionTaken, forcedReview)
	state.Health = assessHealth(state)

	event := Event{
		Date:          currentDate,
		ActionTaken:   actionTaken,
		PreviousSize:  previousSize,
		NewSize:       newSize,
		PreviousScore: previousScore,
		NewScore:      newScore,
		Reason:        reason,
		ForcedReview:  forcedReview,
	}
	if previousStage != state.Stage {
		event.StageChange = string(previousStage) + " -> " + string(state.Stage)
	}
	if previousHealth != state.Health {
		event.HealthChange = string(previousHealth) + " -> " + string(state.Health)
	}

	events := append(t.history[asset], event)
	if len(events) > maxHistoryEvents {
		events = events[len(events)-maxHistoryEvents:]
	}
	t.history[asset] = events

	t.logger.Debug("position lifecycle updated",
		zap.String("asset", asset), zap.String("action", actionTaken),
		zap.String("stage", string(state.Stage)), zap.String("health", string(state.Health)))
}

func (t *Tracker) updateDerivedMetrics(state *types.PositionState, asset string, newSize, newScore decimal.Decimal) {
	if newSize.GreaterThan(state.PeakSize) {
		state.PeakSize = newSize
	}

	if newScore.LessThan(lowScoreThresholdDecimal) {
		state.ConsecutiveLowScores++
	} else {
		state.ConsecutiveLowScores = 0
	}

	events := t.history[asset]
	window := events
	if len(window) > scoreTrendWindow {
		window = window[len(window)-scoreTrendWindow:]
	}
	if len(window) >= 2 {
		slope := window[len(window)-1].NewScore.Sub(window[0].NewScore)
		switch {
		case slope.GreaterThan(decimal.NewFromFloat(0.05)):
			state.ScoreTrend = types.TrendImproving
		case slope.LessThan(decimal.NewFromFloat(-0.05)):
			state.ScoreTrend = types.TrendDeclining
		default:
			state.ScoreTrend = types.TrendStable
		}
	}
}

// determineStage resolves the lifecycle stage per spec §3.1: explicit
// protection-driven transitions take priority over score-derived ones.
func (t *Tracker) determineStage(state *types.PositionState, actionTaken string, forcedReview bool) types.Stage {
	switch actionTaken {
	case "grace_start":
		return types.StageGrace
	case "grace_recovery":
		return types.StageActive
	case "force_close":
		return types.StageClosing
	}
	if forcedReview {
		return types.StageForcedReview
	}

	switch {
	case state.ConsecutiveLowScores >= lowScoreStreakForWarning:
		return types.StageWarning
	case state.ConsecutiveLowScores >= lowScoreStreakForGrace:
		return types.StageGrace
	default:
		return types.StageActive
	}
}

// assessHealth weighs score, streak, trend, and drawdown into a coarse
// health classification (spec §3.1).
func assessHealth(state *types.PositionState) types.Health {
	riskFactors := 0

	switch {
	case state.CurrentScore.LessThan(decimal.NewFromFloat(0.4)):
		riskFactors += 3
	case state.CurrentScore.LessThan(lowScoreThresholdDecimal):
		riskFactors += 1
	}

	switch {
	case state.ConsecutiveLowScores >= 5:
		riskFactors += 2
	case state.ConsecutiveLowScores >= 3:
		riskFactors += 1
	}

	if state.ScoreTrend == types.TrendDeclining {
		riskFactors++
	}

	if state.OriginalEntrySize.GreaterThan(decimal.Zero) {
		reduction := state.OriginalEntrySize.Sub(state.CurrentSize).Div(state.OriginalEntrySize)
		switch {
		case reduction.GreaterThan(decimal.NewFromFloat(0.5)):
			riskFactors += 2
		case reduction.GreaterThan(decimal.NewFromFloat(0.3)):
			riskFactors++
		}
	}

	switch {
	case riskFactors >= 4:
		return types.HealthCritical
	case riskFactors >= 2:
		return types.HealthWarning
	default:
		return types.HealthHealthy
	}
}

// Close finalizes a position's lifecycle and stops tracking it, while
// keeping its event history for audit.
func (t *Tracker) Close(asset string, closureDate time.Time, reason string, finalScore decimal.Decimal) {
	state, ok := t.states[asset]
	if !ok {
		t.logger.Warn("cannot close unknown position", zap.String("asset", asset))
		return
	}

	event := Event{
		Date:          closureDate,
		ActionTaken:   "closure",
		PreviousSize:  state.CurrentSize,
		NewSize:       decimal.Zero,
		PreviousScore: state.CurrentScore,
		NewScore:      finalScore,
		Reason:        reason,
		StageChange:   string(state.Stage) + " -> closed",
		HealthChange:  string(state.Health) + " -> closed",
	}
	t.history[asset] = append(t.history[asset], event)

	t.logger.Info("position lifecycle ended",
		zap.String("asset", asset), zap.Int("daysHeld", state.DaysHeld), zap.String("reason", reason))

	delete(t.states, asset)
}

// State returns the current PositionState for asset, if tracked.
func (t *Tracker) State(asset string) (types.PositionState, bool) {
	state, ok := t.states[asset]
	if !ok {
		return types.PositionState{}, false
	}
	return *state, true
}

// Summary returns a full lifecycle summary for asset, including
// recommendations and risk flags, or false if the asset isn't tracked.
func (t *Tracker) Summary(asset string, currentDate time.Time) (Summary, bool) {
	state, ok := t.states[asset]
	if !ok {
		return Summary{}, false
	}

	events := t.history[asset]
	recent := events
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	riskFlags := identifyRiskFlags(state)
	return Summary{
		State:              *state,
		RecentEvents:       recent,
		Recommendations:    generateRecommendations(state),
		RiskFlags:          riskFlags,
		PriorityLevel:      priorityLevel(state, riskFlags),
		DaysInCurrentStage: t.daysInCurrentStage(asset, currentDate),
		AverageScore:       averageScore(events),
	}, true
}

func (t *Tracker) daysInCurrentStage(asset string, currentDate time.Time) int {
	state := t.states[asset]
	events := t.history[asset]
	target := " -> " + string(state.Stage)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].StageChange != "" && hasSuffix(events[i].StageChange, target) {
			return utils.DaysBetween(events[i].Date, currentDate)
		}
	}
	return state.DaysHeld
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func averageScore(events []Event) decimal.Decimal {
	var sum decimal.Decimal
	count := 0
	for _, e := range events {
		if e.NewScore.GreaterThan(decimal.Zero) {
			sum = sum.Add(e.NewScore)
			count++
		}
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(count)))
}

func generateRecommendations(state *types.PositionState) []string {
	var out []string

	switch {
	case state.CurrentScore.LessThan(decimal.NewFromFloat(0.4)):
		out = append(out, "urgent: consider immediate closure due to very low score")
	case state.CurrentScore.LessThan(lowScoreThresholdDecimal):
		out = append(out, "consider reducing position size or entering grace period")
	}

	switch state.Stage {
	case types.StageGrace:
		out = append(out, "monitor closely: position in grace period")
	case types.StageWarning:
		out = append(out, "high priority review needed: extended poor performance")
	case types.StageForcedReview:
		out = append(out, "required: forced review due to max holding period")
	}

	switch state.ScoreTrend {
	case types.TrendDeclining:
		out = append(out, "declining score trend: consider exit strategy")
	case types.TrendImproving:
		out = append(out, "improving trend: consider maintaining or increasing")
	}

	if state.OriginalEntrySize.GreaterThan(decimal.Zero) {
		reduction := state.OriginalEntrySize.Sub(state.CurrentSize).Div(state.OriginalEntrySize)
		if reduction.GreaterThan(decimal.NewFromFloat(0.7)) {
			out = append(out, "significant size reduction: evaluate remaining position viability")
		}
	}
	return out
}

func identifyRiskFlags(state *types.PositionState) []string {
	var flags []string

	if state.ConsecutiveLowScores >= 5 {
		flags = append(flags, "extended_low_performance")
	}
	if state.ScoreTrend == types.TrendDeclining {
		flags = append(flags, "declining_trend")
	}
	if state.CurrentScore.LessThan(decimal.NewFromFloat(0.4)) {
		flags = append(flags, "very_low_score")
	}
	if state.OriginalEntrySize.GreaterThan(decimal.Zero) {
		reduction := state.OriginalEntrySize.Sub(state.CurrentSize).Div(state.OriginalEntrySize)
		if reduction.GreaterThan(decimal.NewFromFloat(0.5)) {
			flags = append(flags, "significant_size_reduction")
		}
	}
	if state.DaysHeld > longHoldingDays {
		flags = append(flags, "long_holding_period")
	}
	return flags
}

func priorityLevel(state *types.PositionState, riskFlags []string) string {
	switch state.Health {
	case types.HealthCritical:
		return "critical"
	case types.HealthWarning:
		return "high"
	}
	for _, flag := range riskFlags {
		if flag == "very_low_score" || flag == "extended_low_performance" {
			return "high"
		}
	}
	if len(riskFlags) > 0 {
		return "normal"
	}
	return "low"
}

// PortfolioReport aggregates lifecycle state across every tracked position
// (spec §3.1's portfolio-wide lifecycle reporting).
func (t *Tracker) Report() PortfolioReport {
	report := PortfolioReport{
		StageDistribution:  make(map[types.Stage]int),
		HealthDistribution: make(map[types.Health]int),
		BucketDistribution: make(map[string]int),
	}
	if len(t.states) == 0 {
		return report
	}

	var totalSize decimal.Decimal
	for asset, state := range t.states {
		report.TotalPositions++
		report.StageDistribution[state.Stage]++
		report.HealthDistribution[state.Health]++
		report.BucketDistribution[state.Bucket]++
		totalSize = totalSize.Add(state.CurrentSize)

		switch state.Health {
		case types.HealthCritical:
			report.CriticalPositions = append(report.CriticalPositions, asset)
		case types.HealthWarning:
			report.WarningPositions = append(report.WarningPositions, asset)
		}
		if state.Stage == types.StageGrace {
			report.GracePositions = append(report.GracePositions, asset)
		}
	}
	report.TotalSize = totalSize
	report.PortfolioHealthScore = portfolioHealthScore(report.HealthDistribution, report.TotalPositions)
	report.Recommendations = portfolioRecommendations(report.CriticalPositions, report.WarningPositions, report.GracePositions)
	return report
}

func portfolioHealthScore(distribution map[types.Health]int, total int) decimal.Decimal {
	if total == 0 {
		return decimal.NewFromInt(100)
	}
	healthy := distribution[types.HealthHealthy]
	warning := distribution[types.HealthWarning]
	weighted := decimal.NewFromInt(int64(healthy * 100)).Add(decimal.NewFromInt(int64(warning * 50)))
	return weighted.Div(decimal.NewFromInt(int64(total))).Round(1)
}

func portfolioRecommendations(critical, warning, grace []string) []string {
	var out []string
	if len(critical) > 0 {
		out = append(out, "urgent: critical positions need immediate attention")
	}
	if len(warning) > 0 {
		out = append(out, "review positions with warning status")
	}
	if len(grace) > 0 {
		out = append(out, "monitor positions in grace period")
	}
	if len(critical)+len(warning) > 3 {
		out = append(out, "consider portfolio-wide risk assessment: multiple positions at risk")
	}
	return out
}
