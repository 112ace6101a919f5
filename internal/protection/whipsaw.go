package protection

import (
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/rberrors"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WhipsawProtectionManager limits how often a position may be opened and
// closed in quick succession, and how briefly a position may be held
// before closure (spec §4.8).
type WhipsawProtectionManager struct {
	logger *zap.Logger

	maxCyclesPerPeriod      int
	protectionPeriodDays    int
	minPositionDurationHours int

	history map[string][]types.PositionEvent
	active  map[string]types.PositionEvent
}

// NewWhipsawProtectionManager validates its bounds and constructs a manager.
func NewWhipsawProtectionManager(logger *zap.Logger, maxCyclesPerPeriod, protectionPeriodDays, minPositionDurationHours int) (*WhipsawProtectionManager, error) {
	if maxCyclesPerPeriod < 1 || maxCyclesPerPeriod > 10 {
		return nil, &rberrors.ConfigurationError{Field: "max_cycles_per_protection_period", Reason: "must be 1-10"}
	}
	if protectionPeriodDays < 1 || protectionPeriodDays > 365 {
		return nil, &rberrors.ConfigurationError{Field: "whipsaw_protection_days", Reason: "must be 1-365"}
	}
	if minPositionDurationHours < 1 || minPositionDurationHours > 168 {
		return nil, &rberrors.ConfigurationError{Field: "min_position_duration_hours", Reason: "must be 1-168"}
	}
	return &WhipsawProtectionManager{
		logger:                   logger,
		maxCyclesPerPeriod:       maxCyclesPerPeriod,
		protectionPeriodDays:     protectionPeriodDays,
		minPositionDurationHours: minPositionDurationHours,
		history:                  make(map[string][]types.PositionEvent),
		active:                   make(map[string]types.PositionEvent),
	}, nil
}

// CanOpen reports whether asset may be opened on date without breaching
// the cycle limit (spec §4.8).
func (m *WhipsawProtectionManager) CanOpen(asset string, date time.Time) (bool, string) {
	if open, ok := m.active[asset]; ok {
		return false, fmt.Sprintf("position already open since %s", open.Date.Format("2006-01-02"))
	}

	cycles := m.countRecentCycles(asset, date)
	if cycles >= m.maxCyclesPerPeriod {
		return false, fmt.Sprintf("whipsaw protection: %d cycles in last %d days (limit %d)",
			cycles, m.protectionPeriodDays, m.maxCyclesPerPeriod)
	}
	return true, fmt.Sprintf("can open position (%d/%d recent cycles)", cycles, m.maxCyclesPerPeriod)
}

// CanClose reports whether a position opened on openDate may be closed on
// date without breaching the minimum holding duration (spec §4.8).
func (m *WhipsawProtectionManager) CanClose(asset string, openDate, date time.Time) (bool, string) {
	if _, ok := m.active[asset]; !ok {
		return true, "position not tracked as open, closure allowed"
	}

	duration := date.Sub(openDate)
	minDuration := time.Duration(m.minPositionDurationHours) * time.Hour
	if duration < minDuration {
		return false, fmt.Sprintf("whipsaw protection: position duration %.1fh < minimum %dh",
			duration.Hours(), m.minPositionDurationHours)
	}
	return true, fmt.Sprintf("minimum duration met (%s)", duration)
}

// RecordEvent appends an open or close event to asset's history and
// maintains the active-position index, then prunes stale history.
func (m *WhipsawProtectionManager) RecordEvent(asset string, eventType types.PositionEventType, date time.Time, size decimal.Decimal, reason string, price *decimal.Decimal) {
	event := types.PositionEvent{Asset: asset, Type: eventType, Date: date, Size: size, Reason: reason, Price: price}
	m.history[asset] = append(m.history[asset], event)

	switch eventType {
	case types.PositionEventOpen:
		m.active[asset] = event
		m.logger.Info("position opened", zap.String("asset", asset), zap.String("size", size.StringFixed(4)))
	case types.PositionEventClose:
		if open, ok := m.active[asset]; ok {
			m.logger.Info("position closed", zap.String("asset", asset),
				zap.Duration("duration", date.Sub(open.Date)))
			delete(m.active, asset)
		}
	}

	m.pruneHistory(asset, date)
}

// countRecentCycles counts complete open→close pairs for asset within the
// protection window ending at date (spec §4.8).
func (m *WhipsawProtectionManager) countRecentCycles(asset string, date time.Time) int {
	cutoff := date.AddDate(0, 0, -m.protectionPeriodDays)
	events := make([]types.PositionEvent, 0)
	for _, e := range m.history[asset] {
		if e.Date.After(cutoff) {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Date.Before(events[j].Date) })

	cycles := 0
	expectingOpen := true
	for _, e := range events {
		switch {
		case e.Type == types.PositionEventOpen && expectingOpen:
			expectingOpen = false
		case e.Type == types.PositionEventClose && !expectingOpen:
			cycles++
			expectingOpen = true
		}
	}
	return cycles
}

// pruneHistory drops events older than twice the protection period,
// mirroring the retention rule applied by CleanExpiredEvents.
func (m *WhipsawProtectionManager) pruneHistory(asset string, date time.Time) {
	cutoff := date.AddDate(0, 0, -m.protectionPeriodDays*2)
	kept := m.history[asset][:0]
	for _, e := range m.history[asset] {
		if e.Date.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(m.history, asset)
		return
	}
	m.history[asset] = kept
}

// CleanExpiredEvents prunes stale history across every tracked asset,
// returning the number of events removed.
func (m *WhipsawProtectionManager) CleanExpiredEvents(date time.Time) int {
	cutoff := date.AddDate(0, 0, -m.protectionPeriodDays*2)
	removed := 0
	for asset, events := range m.history {
		kept := make([]types.PositionEvent, 0, len(events))
		for _, e := range events {
			if e.Date.After(cutoff) {
				kept = append(kept, e)
			}
		}
		removed += len(events) - len(kept)
		if len(kept) == 0 {
			delete(m.history, asset)
			continue
		}
		m.history[asset] = kept
	}
	return removed
}

// IsActive reports whether asset currently has an open position tracked.
func (m *WhipsawProtectionManager) IsActive(asset string) bool {
	_, ok := m.active[asset]
	return ok
}
