package rebalancer

import (
	"time"

	"github.com/atlas-desktop/rebalancer/internal/diversification"
	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/atlas-desktop/rebalancer/internal/lifecycle"
	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/internal/regimectx"
	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/internal/scoring"
	"github.com/atlas-desktop/rebalancer/internal/sizing"
	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const actionChangeThreshold = 0.05

// Engine is the single coordinator that sequences every pipeline layer
// into a finished set of RebalancingTargets, in the fixed order spec
// §4.13 specifies. It owns no concurrency of its own: Rebalance runs
// synchronously start to finish on the calling goroutine, and the
// engine's component handles are only ever mutated from within that
// call (spec §5).
type Engine struct {
	logger *zap.Logger

	universeBuilder *universe.Builder
	scoring         *scoring.Service

	bucketManager  *diversification.BucketManager
	bucketEnforcer *diversification.BucketLimitsEnforcer
	smartDiversify *diversification.SmartDiversificationManager

	regimeCtx  *regimectx.Provider
	coreAssets *protection.CoreAssetManager

	selection *SelectionService

	dynamicSizer  *sizing.DynamicPositionSizer
	twoStageSizer *sizing.TwoStagePositionSizer

	orchestrator *protection.Orchestrator
	lifecycle    *lifecycle.Tracker

	sink events.Sink
}

// Components bundles every collaborator Engine sequences. Optional
// layers (bucket enforcement, smart diversification, core-asset
// management) may be left nil to disable that stage, per policy.
type Components struct {
	UniverseBuilder *universe.Builder
	Scoring         *scoring.Service
	BucketManager   *diversification.BucketManager
	BucketEnforcer  *diversification.BucketLimitsEnforcer
	SmartDiversify  *diversification.SmartDiversificationManager
	RegimeCtx       *regimectx.Provider
	CoreAssets      *protection.CoreAssetManager
	Selection       *SelectionService
	DynamicSizer    *sizing.DynamicPositionSizer
	TwoStageSizer   *sizing.TwoStagePositionSizer
	Orchestrator    *protection.Orchestrator
	Lifecycle       *lifecycle.Tracker
	Sink            events.Sink
}

// NewEngine wires a fully-configured Engine from its Components.
func NewEngine(logger *zap.Logger, c Components) (*Engine, error) {
	if c.UniverseBuilder == nil || c.Scoring == nil || c.Selection == nil || c.Orchestrator == nil {
		return nil, &rberrors.ConfigurationError{Field: "engine.components", Reason: "universe, scoring, selection, and orchestrator are required"}
	}
	return &Engine{
		logger:          logger,
		universeBuilder: c.UniverseBuilder,
		scoring:         c.Scoring,
		bucketManager:   c.BucketManager,
		bucketEnforcer:  c.BucketEnforcer,
		smartDiversify:  c.SmartDiversify,
		regimeCtx:       c.RegimeCtx,
		coreAssets:      c.CoreAssets,
		selection:       c.Selection,
		dynamicSizer:    c.DynamicSizer,
		twoStageSizer:   c.TwoStageSizer,
		orchestrator:    c.Orchestrator,
		lifecycle:       c.Lifecycle,
		sink:            c.Sink,
	}, nil
}

// Rebalance runs the full L1-L5 pipeline for one date and returns the
// resulting targets (spec §4.13, §6.1).
func (e *Engine) Rebalance(
	date time.Time,
	currentPositions map[string]decimal.Decimal,
	policy types.Policy,
	bucketFilter []string,
	minTrendingConfidence decimal.Decimal,
) ([]types.RebalancingTarget, error) {
	var traceID, sessionID string
	if e.sink != nil {
		sessionID = e.sink.StartSession("rebalance")
		traceID = e.sink.StartTrace("rebalance")
	}
	stats := events.SessionStats{}

	e.emit(events.CategoryPortfolio, events.TypePortfolioRebalanceStart, "", date, nil)

	// Step 1: universe.
	uni, err := e.universeBuilder.Build(date, currentPositions, nil, bucketFilter, minTrendingConfidence)
	if err != nil {
		e.endSession(sessionID, traceID, stats, false)
		return nil, &rberrors.RebalanceFailure{TraceID: traceID, Stage: "build universe", Cause: err}
	}

	// Step 2: scoring.
	scored, err := e.scoring.Score(uni, currentPositions)
	if err != nil {
		e.endSession(sessionID, traceID, stats, false)
		return nil, &rberrors.RebalanceFailure{TraceID: traceID, Stage: "score universe", Cause: err}
	}

	// Step 3: bucket diversification (position/allocation caps).
	if policy.EnableBucketDiversification && e.bucketEnforcer != nil {
		result := e.bucketEnforcer.Apply(scored, policy)
		scored = result.Selected
		e.emit(events.CategoryDiversification, events.TypeDiversificationBucketLimitEnforced, "", date, map[string]any{
			"rejected": len(result.Rejected),
			"actions":  result.Actions,
		})
	}

	// Step 4: regime context.
	var regimeContext *types.RegimeContext
	if e.regimeCtx != nil {
		ctx, ctxErr := e.regimeCtx.GetContext(date)
		if ctxErr != nil {
			e.logger.Warn("regime context unavailable, proceeding without override permissions", zap.Error(ctxErr))
		} else {
			regimeContext = ctx.AsRegimeContext()
			if regimeContext.RegimeChanged {
				e.emit(events.CategoryRegime, events.TypeRegimeTransition, "", date, map[string]any{
					"from": regimeContext.OldRegime,
					"to":   regimeContext.NewRegime,
				})
			}
		}
	}

	// Step 5: core-asset lifecycle (auto-revocations).
	if e.coreAssets != nil {
		revocations := e.coreAssets.PerformLifecycleCheck(date)
		for asset, action := range revocations {
			e.logger.Info("core asset lifecycle", zap.String("asset", asset), zap.String("action", action))
		}
	}

	// Step 6: smart diversification (bucket overrides for high scorers).
	if policy.EnableSmartDiversification && e.smartDiversify != nil && e.bucketManager != nil {
		bucketLimits := make(map[string]int)
		for _, b := range e.bucketManager.Buckets() {
			bucketLimits[b] = policy.MaxPositionsPerBucket
		}
		scored = e.smartDiversify.Apply(scored, bucketLimits, date)
		for _, s := range scored {
			if s.Reason == "high-alpha bucket override" {
				e.emit(events.CategoryDiversification, events.TypeDiversificationBucketOverrideGranted, s.Asset, date, map[string]any{
					"bucket": s.Bucket,
					"score":  s.Combined.String(),
				})
			}
		}
	}

	// Step 7: selection (lifecycle pre-filters + incumbent/new-opportunity cut).
	selResult := e.selection.Select(scored, policy, date, regimeContext)

	// Step 8: sizing. Grace-locked assets are excluded from the sizer and
	// their weight is taken verbatim from selResult.Locked, so a decaying
	// grace position's size can never be recomputed upward by the score
	// driven sizer (spec §8.1 invariant 5).
	toSize := make([]types.AssetScore, 0, len(selResult.Selected))
	for _, a := range selResult.Selected {
		if _, locked := selResult.Locked[a.Asset]; locked {
			continue
		}
		toSize = append(toSize, a)
	}

	var sized []sizing.Sized
	if e.dynamicSizer != nil && e.twoStageSizer != nil && len(toSize) > 0 {
		initial := e.dynamicSizer.CalculateSizes(toSize)
		result := e.twoStageSizer.Apply(initial)
		sized = result.Sized
	} else {
		for _, a := range toSize {
			sized = append(sized, sizing.Sized{Asset: a})
		}
	}

	finalSizes := make(map[string]decimal.Decimal, len(selResult.Selected))
	finalScores := make(map[string]types.AssetScore, len(selResult.Selected))
	for _, s := range sized {
		finalSizes[s.Asset.Asset] = s.Asset.PositionSize
		finalScores[s.Asset.Asset] = s.Asset
	}
	for asset, size := range selResult.Locked {
		finalSizes[asset] = size
	}
	for _, a := range selResult.Selected {
		if _, ok := finalScores[a.Asset]; !ok {
			finalScores[a.Asset] = a
		}
	}

	// Step 9: materialise targets, including closures for force-closed and
	// dropped incumbents.
	targets := e.materialiseTargets(finalSizes, finalScores, currentPositions, selResult.ForceClosed, date)

	// Step 10: protection gate on every non-Hold target.
	approved := make([]types.RebalancingTarget, 0, len(targets))
	for _, t := range targets {
		if t.Action == types.ActionHold {
			approved = append(approved, t)
			continue
		}

		req := e.buildRequest(t, currentPositions, date)
		decision := e.orchestrator.CanExecute(req)
		if !decision.Approved {
			stats.Denied++
			e.emit(events.CategoryProtection, denialEventType(decision.BlockingSystems), t.Asset, date, map[string]any{
				"reason":           decision.Reason,
				"blocking_systems": decision.BlockingSystems,
			})
			continue
		}
		stats.Approved++
		if decision.OverrideApplied {
			stats.Overrides++
		}
		approved = append(approved, t)
	}

	// Step 11: lifecycle tracking + completion event.
	e.updateLifecycleOnExecution(approved, currentPositions, date)
	stats.TargetsEmitted = len(approved)
	e.emit(events.CategoryPortfolio, events.TypePortfolioRebalanceComplete, "", date, map[string]any{
		"targets": len(approved),
	})
	e.endSession(sessionID, traceID, stats, true)

	return approved, nil
}

// materialiseTargets builds one RebalancingTarget per asset that is
// either selected this cycle or was an incumbent being closed (spec §4.13
// step 9, invariant 3).
func (e *Engine) materialiseTargets(
	finalSizes map[string]decimal.Decimal,
	finalScores map[string]types.AssetScore,
	currentPositions map[string]decimal.Decimal,
	forceClosed map[string]string,
	date time.Time,
) []types.RebalancingTarget {
	targets := make([]types.RebalancingTarget, 0, len(finalSizes)+len(currentPositions))
	seen := make(map[string]bool)

	for asset, target := range finalSizes {
		score := finalScores[asset]
		current := currentPositions[asset]
		targets = append(targets, types.RebalancingTarget{
			Asset:         asset,
			TargetWeight:  target,
			CurrentWeight: current,
			Action:        determineAction(current, target),
			Priority:      score.Priority,
			Score:         score.Combined,
			Reason:        score.Reason,
		})
		seen[asset] = true
	}

	for asset, current := range currentPositions {
		if seen[asset] || current.LessThanOrEqual(decimal.Zero) {
			continue
		}
		reason := forceClosed[asset]
		if reason == "" {
			reason = "not selected this cycle"
		}
		targets = append(targets, types.RebalancingTarget{
			Asset:         asset,
			TargetWeight:  decimal.Zero,
			CurrentWeight: current,
			Action:        types.ActionClose,
			Reason:        reason,
		})
	}

	return targets
}

// determineAction classifies the weight delta per spec §8.1 invariant 4.
func determineAction(current, target decimal.Decimal) types.Action {
	switch {
	case current.LessThanOrEqual(decimal.Zero) && target.GreaterThan(decimal.Zero):
		return types.ActionOpen
	case target.LessThanOrEqual(decimal.Zero) && current.GreaterThan(decimal.Zero):
		return types.ActionClose
	case current.GreaterThan(decimal.Zero):
		delta := target.Sub(current).Div(current).Abs()
		if delta.GreaterThan(decimal.NewFromFloat(actionChangeThreshold)) {
			if target.GreaterThan(current) {
				return types.ActionIncrease
			}
			return types.ActionDecrease
		}
		return types.ActionHold
	default:
		return types.ActionHold
	}
}

func (e *Engine) buildRequest(t types.RebalancingTarget, currentPositions map[string]decimal.Decimal, date time.Time) protection.Request {
	current := currentPositions[t.Asset]
	target := t.TargetWeight
	score := t.Score

	req := protection.Request{
		Asset:       t.Asset,
		Action:      t.Action,
		Date:        date,
		CurrentSize: &current,
		TargetSize:  &target,
		CurrentScore: &score,
	}

	if e.lifecycle != nil {
		if state, ok := e.lifecycle.State(t.Asset); ok {
			entryDate := state.EntryDate
			req.PositionEntryDate = &entryDate
		}
	}

	return req
}

func (e *Engine) updateLifecycleOnExecution(targets []types.RebalancingTarget, currentPositions map[string]decimal.Decimal, date time.Time) {
	if e.lifecycle == nil {
		return
	}
	for _, t := range targets {
		switch t.Action {
		case types.ActionOpen:
			bucket := ""
			if e.bucketManager != nil {
				bucket = e.bucketManager.Bucket(t.Asset)
			}
			e.lifecycle.TrackEntry(t.Asset, date, t.TargetWeight, t.Score, t.Reason, bucket)
			e.emit(events.CategoryPortfolio, events.TypePortfolioOpen, t.Asset, date, nil)
		case types.ActionClose:
			e.lifecycle.Close(t.Asset, date, t.Reason, t.Score)
			e.emit(events.CategoryPortfolio, events.TypePortfolioClose, t.Asset, date, nil)
		case types.ActionIncrease, types.ActionDecrease:
			e.lifecycle.Update(t.Asset, date, t.Score, t.TargetWeight, string(t.Action), t.Reason, false)
			e.emit(events.CategoryPortfolio, events.TypePortfolioAdjust, t.Asset, date, nil)
		}
	}
}

// denialEventType maps the first blocking system name the orchestrator
// reports back to its audit event type. System names are
// protection.Orchestrator's string contract (core_asset_immunity,
// grace_period, holding_period, whipsaw_protection); unrecognized names
// fall back to the generic core-asset immunity type since that guard is
// always fail-closed.
func denialEventType(blockingSystems []string) events.Type {
	if len(blockingSystems) == 0 {
		return events.TypeProtectionCoreAssetImmunity
	}
	switch blockingSystems[0] {
	case "holding_period":
		return events.TypeProtectionHoldingPeriodBlock
	case "whipsaw_protection":
		return events.TypeProtectionWhipsawBlock
	case "grace_period":
		return events.TypeProtectionGraceEnd
	default:
		return events.TypeProtectionCoreAssetImmunity
	}
}

func (e *Engine) emit(category events.Category, eventType events.Type, asset string, date time.Time, metadata map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(events.Event{
		Timestamp:     date,
		EventType:     eventType,
		EventCategory: category,
		Asset:         asset,
		Metadata:      metadata,
	})
}

func (e *Engine) endSession(sessionID, traceID string, stats events.SessionStats, success bool) {
	if e.sink == nil {
		return
	}
	e.sink.EndTrace(traceID, success)
	e.sink.EndSession(sessionID, stats)
}
