// Package sessionmonitor runs the background sweep that keeps session-key
// state honest between requests: expiring lapsed keys, resetting daily
// counters, detecting spending/velocity/pattern anomalies, and pausing
// sessions that trip a threshold.
package sessionmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/alancoin/internal/sessionkeys"
	"github.com/mbd888/alancoin/internal/usdc"
)

const (
	sweepInterval = 5 * time.Minute
	dailyWindow   = 24 * time.Hour

	velocityShortWindow = 5 * time.Minute
	velocityShortLimit  = 10
	velocityShortPause  = 10 * time.Minute

	velocityLongWindow = 1 * time.Hour
	velocityLongLimit  = 100
	velocityLongPause  = 60 * time.Minute

	patternMinSample   = 5
	patternBucketLimit = 10
	patternRoundRatio  = 0.80
	alertHistoryWindow = 24 * time.Hour
	usdcUnitsPerDollar = 1_000_000
)

// Monitor periodically sweeps every active session key looking for
// expiry, over-budget spend, unusual velocity, and suspicious patterns.
type Monitor struct {
	manager  *sessionkeys.Manager
	notifier sessionkeys.AlertNotifier
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool

	alertsMu sync.Mutex
	alerts   []alertRecord

	expiredCount atomic.Int64
}

type alertRecord struct {
	alertType string
	at        time.Time
}

// NewMonitor creates a session monitor. notifier may be nil, in which
// case alerts are logged but not delivered anywhere.
func NewMonitor(manager *sessionkeys.Manager, notifier sessionkeys.AlertNotifier, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		manager:  manager,
		notifier: notifier,
		logger:   logger,
		interval: sweepInterval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	m.safeSweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in session monitor sweep", "panic", fmt.Sprint(r))
		}
	}()
	m.Sweep(ctx)
}

// Sweep runs one pass over every non-revoked session key. Per-key
// failures are swallowed (logged) so one bad key never blocks the rest
// of the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	keys, err := m.manager.Store().ListActive(ctx)
	if err != nil {
		m.logger.Error("session monitor: failed to list keys", "error", err)
		return
	}
	for _, key := range keys {
		m.sweepKey(ctx, key)
	}
}

// sweepKey runs the full per-key algorithm: expiry, re-activation,
// spending, velocity, pattern, and daily-reset checks. It holds the
// manager's per-key lock for the duration, serializing against any
// in-flight RecordSpend for the same key.
func (m *Monitor) sweepKey(ctx context.Context, key *sessionkeys.SessionKey) {
	unlock := m.manager.LockKey(key.ID)
	defer unlock()

	now := time.Now()

	if now.After(key.Permission.ExpiresAt) {
		m.expire(ctx, key)
		return
	}

	if key.Status == sessionkeys.StatusPaused {
		if key.PausedUntil != nil && !now.Before(*key.PausedUntil) {
			key.Status = sessionkeys.StatusActive
			key.PausedUntil = nil
			if err := m.manager.Store().Update(ctx, key); err != nil {
				m.logger.Error("session monitor: failed to reactivate key", "keyId", key.ID, "error", err)
				return
			}
		} else {
			return
		}
	}

	if key.Status != sessionkeys.StatusActive {
		return
	}

	txs := m.transactionsSince(ctx, key.ID, now.Add(-dailyWindow))

	pauseFor := m.spendingCheck(ctx, key, txs, now)
	if v := m.velocityCheck(ctx, key, txs, now); v > pauseFor {
		pauseFor = v
	}
	m.patternCheck(ctx, key, txs, now)
	m.dailyReset(ctx, key, now)

	if pauseFor > 0 {
		key.Status = sessionkeys.StatusPaused
		until := now.Add(pauseFor)
		key.PausedUntil = &until
		m.manager.LogSessionEvent(ctx, key.ID, sessionkeys.SessionEventSecurityAlert, sessionkeys.SeverityWarning, map[string]interface{}{
			"reason":      "spending_or_velocity_pause",
			"pausedUntil": until,
		})
	}

	if err := m.manager.Store().Update(ctx, key); err != nil {
		m.logger.Error("session monitor: failed to persist sweep result", "keyId", key.ID, "error", err)
	}
}

func (m *Monitor) expire(ctx context.Context, key *sessionkeys.SessionKey) {
	key.Status = sessionkeys.StatusExpired
	if err := m.manager.Store().Update(ctx, key); err != nil {
		m.logger.Error("session monitor: failed to expire key", "keyId", key.ID, "error", err)
		return
	}
	m.expiredCount.Add(1)
	m.manager.LogSessionEvent(ctx, key.ID, sessionkeys.SessionEventExpired, sessionkeys.SeverityInfo, nil)
	m.logger.Info("session key expired", "keyId", key.ID, "ownerAddr", key.OwnerAddr)
}

func (m *Monitor) transactionsSince(ctx context.Context, keyID string, cutoff time.Time) []*sessionkeys.SessionTransaction {
	txLog := m.manager.TransactionLog()
	if txLog == nil {
		return nil
	}
	txs, err := txLog.Since(ctx, keyID, cutoff)
	if err != nil {
		m.logger.Warn("session monitor: failed to load transactions", "keyId", keyID, "error", err)
		return nil
	}
	return txs
}

// spendingCheck sums the key's last-24h transactions against its daily
// cap, emitting high/critical alerts at 80%/95% usage and returning a
// pause duration of one full 24h window once usage hits 100%.
func (m *Monitor) spendingCheck(ctx context.Context, key *sessionkeys.SessionKey, txs []*sessionkeys.SessionTransaction, now time.Time) time.Duration {
	if key.Permission.MaxPerDay == "" {
		return 0
	}
	maxDaily, ok := usdc.Parse(key.Permission.MaxPerDay)
	if !ok || maxDaily.Sign() <= 0 {
		return 0
	}

	dailySpend := sumAmounts(txs)
	usage := ratio(dailySpend, maxDaily)

	switch {
	case usage >= 1.0:
		m.alert(ctx, key, "spending", "critical", usage,
			fmt.Sprintf("daily spend %.2f%% of cap, pausing session", usage*100))
		return dailyWindow
	case usage >= 0.95:
		m.alert(ctx, key, "spending", "critical", usage,
			fmt.Sprintf("daily spend at %.2f%% of cap", usage*100))
	case usage >= 0.80:
		m.alert(ctx, key, "spending", "high", usage,
			fmt.Sprintf("daily spend at %.2f%% of cap", usage*100))
	}
	return 0
}

// velocityCheck counts recent transactions and pauses the key when the
// burst rate crosses either threshold.
func (m *Monitor) velocityCheck(ctx context.Context, key *sessionkeys.SessionKey, txs []*sessionkeys.SessionTransaction, now time.Time) time.Duration {
	shortCount := countSince(txs, now.Add(-velocityShortWindow))
	longCount := countSince(txs, now.Add(-velocityLongWindow))

	var pauseFor time.Duration
	if longCount > velocityLongLimit {
		m.alert(ctx, key, "velocity", "critical", 0,
			fmt.Sprintf("%d transactions in the last hour, pausing for %s", longCount, velocityLongPause))
		pauseFor = velocityLongPause
	}
	if shortCount > velocityShortLimit {
		m.alert(ctx, key, "velocity", "high", 0,
			fmt.Sprintf("%d transactions in the last 5 minutes, pausing for %s", shortCount, velocityShortPause))
		if velocityShortPause > pauseFor {
			pauseFor = velocityShortPause
		}
	}
	return pauseFor
}

// patternCheck buckets recent transactions by (toAddress, amount) and
// flags repeated identical transfers or a suspiciously high ratio of
// round-number amounts. Only runs once there's enough sample size.
func (m *Monitor) patternCheck(ctx context.Context, key *sessionkeys.SessionKey, txs []*sessionkeys.SessionTransaction, now time.Time) {
	if len(txs) < patternMinSample {
		return
	}

	buckets := make(map[string]int, len(txs))
	roundCount := 0
	for _, tx := range txs {
		bucket := tx.ToAddress + "|" + tx.Amount
		buckets[bucket]++
		if amt, ok := usdc.Parse(tx.Amount); ok && new(big.Int).Mod(amt, big.NewInt(usdcUnitsPerDollar)).Sign() == 0 {
			roundCount++
		}
	}

	for _, count := range buckets {
		if count > patternBucketLimit {
			m.alert(ctx, key, "pattern", "medium", 0,
				fmt.Sprintf("%d transactions repeat the same recipient and amount", count))
			break
		}
	}

	if float64(roundCount)/float64(len(txs)) > patternRoundRatio {
		m.alert(ctx, key, "pattern", "low", 0,
			fmt.Sprintf("%.0f%% of recent transactions use round-number amounts", 100*float64(roundCount)/float64(len(txs))))
	}
}

// dailyReset advances the rolling daily window, matching RecordSpend's
// reset rule so the two never disagree about when a day ends.
func (m *Monitor) dailyReset(ctx context.Context, key *sessionkeys.SessionKey, now time.Time) {
	if now.Sub(key.Usage.DailyResetAt) < dailyWindow {
		return
	}
	key.Usage.SpentToday = "0"
	key.Usage.DailyResetAt = now
	key.Usage.LastResetDay = now.Format("2006-01-02")
}

func (m *Monitor) alert(ctx context.Context, key *sessionkeys.SessionKey, alertType, severity string, usedPct float64, message string) {
	m.recordAlert(alertType)
	m.logger.Warn("session monitor alert", "keyId", key.ID, "type", alertType, "severity", severity, "message", message)
	if m.notifier == nil {
		return
	}
	_ = m.notifier.NotifyAlert(ctx, sessionkeys.AlertEvent{
		KeyID:       key.ID,
		OwnerAddr:   key.OwnerAddr,
		Type:        alertType,
		Severity:    severity,
		Message:     message,
		UsedPct:     usedPct,
		TriggeredAt: time.Now(),
	})
}

func (m *Monitor) recordAlert(alertType string) {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()

	cutoff := time.Now().Add(-alertHistoryWindow)
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.alerts = append(kept, alertRecord{alertType: alertType, at: time.Now()})
}

// Metrics is the snapshot exposed for operational dashboards.
type Metrics struct {
	ActiveSessions  int64          `json:"activeSessions"`
	PausedSessions  int64          `json:"pausedSessions"`
	ExpiredSessions int64          `json:"expiredSessions"`
	AlertsLast24h   int64          `json:"alertsLast24h"`
	TopAlertTypes   map[string]int `json:"topAlertTypes"`
}

// Metrics computes the current snapshot. ExpiredSessions only reflects
// expirations this process has observed during a sweep, not a full
// table scan — the store has no ListExpired operation.
func (m *Monitor) Metrics(ctx context.Context) (Metrics, error) {
	keys, err := m.manager.Store().ListActive(ctx)
	if err != nil {
		return Metrics{}, err
	}

	var active, paused int64
	for _, k := range keys {
		switch k.Status {
		case sessionkeys.StatusActive:
			active++
		case sessionkeys.StatusPaused:
			paused++
		}
	}

	m.alertsMu.Lock()
	cutoff := time.Now().Add(-alertHistoryWindow)
	topTypes := make(map[string]int)
	var alertCount int64
	for _, a := range m.alerts {
		if a.at.After(cutoff) {
			alertCount++
			topTypes[a.alertType]++
		}
	}
	m.alertsMu.Unlock()

	return Metrics{
		ActiveSessions:  active,
		PausedSessions:  paused,
		ExpiredSessions: m.expiredCount.Load(),
		AlertsLast24h:   alertCount,
		TopAlertTypes:   topTypes,
	}, nil
}

func sumAmounts(txs []*sessionkeys.SessionTransaction) *big.Int {
	sum := new(big.Int)
	for _, tx := range txs {
		if amt, ok := usdc.Parse(tx.Amount); ok {
			sum.Add(sum, amt)
		}
	}
	return sum
}

func countSince(txs []*sessionkeys.SessionTransaction, cutoff time.Time) int {
	count := 0
	for _, tx := range txs {
		if !tx.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count
}

func ratio(numerator, denominator *big.Int) float64 {
	if denominator.Sign() <= 0 {
		return 0
	}
	n := new(big.Float).SetInt(numerator)
	d := new(big.Float).SetInt(denominator)
	f, _ := new(big.Float).Quo(n, d).Float64()
	return f
}
