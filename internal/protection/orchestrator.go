package protection

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/regimectx"
	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request is everything the orchestrator needs to decide whether an
// action against a position may proceed (spec §4.10).
type Request struct {
	Asset            string
	Action           types.Action
	Date             time.Time
	CurrentSize      *decimal.Decimal
	TargetSize       *decimal.Decimal
	CurrentScore     *decimal.Decimal
	PositionEntryDate *time.Time
}

// CheckResult is one sub-guard's verdict within a Decision's chain.
type CheckResult struct {
	System      string
	BlocksAction bool
	Reason      string
	Err         error
}

// Decision is the orchestrator's arbitration of a Request (spec §4.10).
type Decision struct {
	Approved        bool
	Reason          string
	BlockingSystems []string
	OverrideApplied bool
	OverrideReason  string
	DecisionChain   []CheckResult
}

const (
	systemCoreAssetImmunity = "core_asset_immunity"
	systemGracePeriod       = "grace_period"
	systemHoldingPeriod     = "holding_period"
	systemWhipsaw           = "whipsaw_protection"
)

// Orchestrator is the arbiter of every position mutation: it evaluates
// the full protection priority hierarchy and returns a single Decision
// (spec §4.10).
type Orchestrator struct {
	logger *zap.Logger

	core     *CoreAssetManager
	grace    *GracePeriodManager
	holding  *HoldingPeriodManager
	whipsaw  *WhipsawProtectionManager
	regime   *regimectx.Provider
}

// NewOrchestrator wires the protection sub-guards. Any may be nil, in
// which case that guard's check is treated as passing (not blocking) —
// mirroring "manager not available" in the original implementation.
func NewOrchestrator(logger *zap.Logger, core *CoreAssetManager, grace *GracePeriodManager, holding *HoldingPeriodManager, whipsaw *WhipsawProtectionManager, regime *regimectx.Provider) *Orchestrator {
	return &Orchestrator{logger: logger, core: core, grace: grace, holding: holding, whipsaw: whipsaw, regime: regime}
}

// CanExecute evaluates req against the full protection hierarchy and
// returns the resulting Decision (spec §4.10).
func (o *Orchestrator) CanExecute(req Request) Decision {
	chain := make([]CheckResult, 0, 4)

	coreResult := o.checkCoreAssetImmunity(req)
	chain = append(chain, coreResult)
	if coreResult.BlocksAction {
		return Decision{
			Approved:        false,
			Reason:          coreResult.Reason,
			BlockingSystems: []string{coreResult.System},
			DecisionChain:   chain,
		}
	}

	var overrideApplied bool
	var overrideReason string
	blocking := make([]string, 0, 3)

	candidates := []struct {
		system string
		check  func(Request) CheckResult
	}{
		{systemGracePeriod, o.checkGracePeriod},
		{systemHoldingPeriod, o.checkHoldingPeriod},
		{systemWhipsaw, o.checkWhipsaw},
	}

	for _, candidate := range candidates {
		result := candidate.check(req)
		chain = append(chain, result)
		if !result.BlocksAction {
			continue
		}

		if o.regime != nil {
			if allowed, reason := o.regime.CanOverride(candidate.system, req.Date); allowed {
				overrideApplied = true
				overrideReason = fmt.Sprintf("regime override bypassed %s: %s", candidate.system, reason)
				o.logger.Info("protection override applied",
					zap.String("asset", req.Asset), zap.String("system", candidate.system))
				continue
			}
		}
		blocking = append(blocking, candidate.system)
	}

	if len(blocking) > 0 {
		return Decision{
			Approved:        false,
			Reason:          "action blocked by: " + joinStrings(blocking, ", "),
			BlockingSystems: blocking,
			OverrideApplied: overrideApplied,
			OverrideReason:  overrideReason,
			DecisionChain:   chain,
		}
	}

	reason := "all protection checks passed"
	if overrideApplied {
		reason += " (with regime override: " + overrideReason + ")"
	}
	return Decision{
		Approved:        true,
		Reason:          reason,
		BlockingSystems: []string{},
		OverrideApplied: overrideApplied,
		OverrideReason:  overrideReason,
		DecisionChain:   chain,
	}
}

// checkCoreAssetImmunity fails closed: any internal error denies the
// action, since this is the most sacrosanct guard (spec §4.10).
func (o *Orchestrator) checkCoreAssetImmunity(req Request) CheckResult {
	if o.core == nil {
		return CheckResult{System: systemCoreAssetImmunity, BlocksAction: false, Reason: "core asset manager not available"}
	}

	isCore := o.core.IsCoreAsset(req.Asset, req.Date)
	if isCore && (req.Action == types.ActionClose || req.Action == types.ActionDecrease) {
		return CheckResult{
			System:       systemCoreAssetImmunity,
			BlocksAction: true,
			Reason:       fmt.Sprintf("core asset %s protected from %s", req.Asset, req.Action),
		}
	}
	return CheckResult{System: systemCoreAssetImmunity, BlocksAction: false, Reason: "core asset check passed"}
}

// checkGracePeriod, checkHoldingPeriod, and checkWhipsaw fail open: an
// internal panic-equivalent condition (none expected in this Go
// implementation, since these guards have no fallible external calls)
// would otherwise be recorded as a ProtectionCheckFailure and treated as
// non-blocking, per spec §7's secondary-guard policy.
func (o *Orchestrator) checkGracePeriod(req Request) CheckResult {
	if o.grace == nil {
		return CheckResult{System: systemGracePeriod, BlocksAction: false, Reason: "grace period manager not available"}
	}
	if o.grace.IsInGracePeriod(req.Asset, req.Date) && req.Action == types.ActionClose {
		return CheckResult{
			System:       systemGracePeriod,
			BlocksAction: true,
			Reason:       fmt.Sprintf("asset %s is in grace period", req.Asset),
		}
	}
	return CheckResult{System: systemGracePeriod, BlocksAction: false, Reason: "grace period check passed"}
}

func (o *Orchestrator) checkHoldingPeriod(req Request) CheckResult {
	if o.holding == nil {
		return CheckResult{System: systemHoldingPeriod, BlocksAction: false, Reason: "holding period manager not available"}
	}
	if req.PositionEntryDate == nil {
		return CheckResult{System: systemHoldingPeriod, BlocksAction: false, Reason: "no tracked entry date"}
	}
	if req.Action != types.ActionClose && req.Action != types.ActionDecrease {
		return CheckResult{System: systemHoldingPeriod, BlocksAction: false, Reason: "not a reducing action"}
	}

	adjustmentType := types.AdjustClose
	if req.Action == types.ActionDecrease {
		adjustmentType = types.AdjustReduce
	}

	var regimeCtx *types.RegimeContext
	if o.regime != nil {
		if ctx, err := o.regime.GetContext(req.Date); err == nil {
			regimeCtx = ctx.AsRegimeContext()
		}
	}

	ok, reason := o.holding.CanAdjust(req.Asset, req.Date, regimeCtx, adjustmentType)
	if !ok {
		return CheckResult{System: systemHoldingPeriod, BlocksAction: true, Reason: reason}
	}
	return CheckResult{System: systemHoldingPeriod, BlocksAction: false, Reason: reason}
}

func (o *Orchestrator) checkWhipsaw(req Request) CheckResult {
	if o.whipsaw == nil {
		return CheckResult{System: systemWhipsaw, BlocksAction: false, Reason: "whipsaw protection manager not available"}
	}
	if req.Action != types.ActionOpen {
		return CheckResult{System: systemWhipsaw, BlocksAction: false, Reason: "not an open action"}
	}
	ok, reason := o.whipsaw.CanOpen(req.Asset, req.Date)
	if !ok {
		return CheckResult{System: systemWhipsaw, BlocksAction: true, Reason: reason}
	}
	return CheckResult{System: systemWhipsaw, BlocksAction: false, Reason: reason}
}

func joinStrings(items []string, sep string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += sep
		}
		out += item
	}
	return out
}

// wrapCheckFailure converts an internal error into a non-blocking
// CheckResult, recording the failure per rberrors.ProtectionCheckFailure
// so callers can still see it happened (spec §7).
func wrapCheckFailure(system string, err error) CheckResult {
	return CheckResult{
		System:       system,
		BlocksAction: false,
		Reason:       (&rberrors.ProtectionCheckFailure{System: system, Cause: err}).Error(),
		Err:          err,
	}
}
