// Package metrics exposes mining events and API traffic as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/storage"
)

const namespace = "points"

// Collector records mining events. It implements mining.Observer.
type Collector struct {
	registry *prometheus.Registry

	tasksCompleted  *prometheus.CounterVec
	sessionsStarted prometheus.Counter
	rewardsClaimed  prometheus.Counter
	rewardPoints    prometheus.Counter
	referralsPaid   prometheus.Counter
	referralPoints  prometheus.Counter

	totalPoints  prometheus.Gauge
	activeMiners prometheus.Gauge
	users        prometheus.Gauge

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ mining.Observer = (*Collector)(nil)

// NewCollector creates a collector on its own registry, with the Go runtime collectors attached
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Follow tasks completed, by task.",
		}, []string{"task"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Mining sessions activated.",
		}),
		rewardsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_claimed_total",
			Help:      "Mining session rewards settled.",
		}),
		rewardPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_points_total",
			Help:      "Points credited from mining sessions.",
		}),
		referralsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_bonuses_paid_total",
			Help:      "Referral bonuses credited to referrers.",
		}),
		referralPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_bonus_points_total",
			Help:      "Points credited from referral bonuses.",
		}),
		totalPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_points",
			Help:      "Sum of all user balances.",
		}),
		activeMiners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_miners",
			Help:      "Users with a running mining session.",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users",
			Help:      "Registered users.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksCompleted, c.sessionsStarted, c.rewardsClaimed, c.rewardPoints,
		c.referralsPaid, c.referralPoints,
		c.totalPoints, c.activeMiners, c.users,
		c.requests, c.latency,
	)
	return c
}

// Handler serves the exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) TaskCompleted(_ string, task storage.TaskID) {
	c.tasksCompleted.WithLabelValues(string(task)).Inc()
}

func (c *Collector) MiningActivated(*storage.User) {
	c.sessionsStarted.Inc()
}

func (c *Collector) RewardClaimed(_ *storage.User, reward int64) {
	c.rewardsClaimed.Inc()
	c.rewardPoints.Add(float64(reward))
}

func (c *Collector) ReferralBonusPaid(_, _ string, bonus int64) {
	c.referralsPaid.Inc()
	c.referralPoints.Add(float64(bonus))
}

// UpdateStats sets the campaign gauges
func (c *Collector) UpdateStats(stats *mining.Stats) {
	c.totalPoints.Set(float64(stats.TotalPointsMined))
	c.activeMiners.Set(float64(stats.ActiveMiners))
	c.users.Set(float64(stats.TotalUsers))
}

// Middleware counts requests and observes latency per matched route
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.requests.WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
