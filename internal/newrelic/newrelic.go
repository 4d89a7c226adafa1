// Package newrelic provides New Relic APM integration for monitoring.
package newrelic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/storage"
	"github.com/exnus/points-miner/internal/util"
)

// eventSink is the part of the application used for custom data
type eventSink interface {
	RecordCustomEvent(eventType string, params map[string]interface{})
	RecordCustomMetric(name string, value float64)
}

// Agent wraps New Relic APM functionality and reports mining events
type Agent struct {
	cfg  *config.NewRelicConfig
	app  *newrelic.Application
	sink eventSink
	mu   sync.RWMutex
}

var _ mining.Observer = (*Agent)(nil)

// NewAgent creates a new New Relic agent
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	// Wait for connection (up to 5 seconds)
	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.sink = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// StartTransaction starts a new New Relic transaction
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// Middleware wraps every API request in a web transaction named after its route
func (a *Agent) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.FullPath()
		if name == "" {
			name = "NotFound"
		}
		txn := a.StartTransaction(c.Request.Method + " " + name)
		if txn == nil {
			c.Next()
			return
		}
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Request = c.Request.WithContext(withTransaction(c.Request.Context(), txn))

		c.Next()

		txn.SetWebResponse(nil).WriteHeader(c.Writer.Status())
		for _, err := range c.Errors {
			noticeError(txn, err.Err)
		}
	}
}

// RecordCustomEvent records a custom event
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()

	if sink != nil {
		sink.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()

	if sink != nil {
		sink.RecordCustomMetric(name, value)
	}
}

// noticeError reports a handler error on txn. Requests cancelled by the client are
// not errors of the campaign API.
func noticeError(txn *newrelic.Transaction, err error) {
	if txn == nil || err == nil || errors.Is(err, context.Canceled) {
		return
	}
	txn.NoticeError(err)
}

func withTransaction(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// TaskCompleted records a follow task completion
func (a *Agent) TaskCompleted(address string, task storage.TaskID) {
	a.RecordCustomEvent("TaskCompleted", map[string]interface{}{
		"address": address,
		"task":    string(task),
	})
}

// MiningActivated records the start of a mining session
func (a *Agent) MiningActivated(u *storage.User) {
	params := map[string]interface{}{
		"address": u.WalletAddress,
		"points":  u.Points,
	}
	if u.MiningEndTime != nil {
		params["endsAt"] = u.MiningEndTime.UnixMilli()
	}
	a.RecordCustomEvent("MiningActivated", params)
}

// RewardClaimed records a settled session reward
func (a *Agent) RewardClaimed(u *storage.User, reward int64) {
	a.RecordCustomEvent("RewardClaimed", map[string]interface{}{
		"address": u.WalletAddress,
		"reward":  reward,
		"balance": u.Points,
	})
}

// ReferralBonusPaid records a referral payout
func (a *Agent) ReferralBonusPaid(referrer, referred string, bonus int64) {
	a.RecordCustomEvent("ReferralBonusPaid", map[string]interface{}{
		"referrer": referrer,
		"referred": referred,
		"bonus":    bonus,
	})
}

// UpdateCampaignMetrics updates campaign-wide metrics
func (a *Agent) UpdateCampaignMetrics(stats *mining.Stats) {
	a.RecordCustomMetric("Custom/Campaign/TotalPoints", float64(stats.TotalPointsMined))
	a.RecordCustomMetric("Custom/Campaign/ActiveMiners", float64(stats.ActiveMiners))
	a.RecordCustomMetric("Custom/Campaign/Users", float64(stats.TotalUsers))
}
