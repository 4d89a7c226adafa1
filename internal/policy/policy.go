// Package policy implements request policies for the public API.
// This includes score based rate limiting, temporary IP bans and a wallet blocklist.
package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/util"
)

// IPStats tracks per-IP statistics
type IPStats struct {
	mu             sync.Mutex
	LastBeat       int64 // Timestamp of last request
	BannedAt       int64 // Timestamp when banned (0 = not banned)
	Malformed      int32 // Count of malformed requests
	Banned         int32 // 1 = banned, 0 = not banned
	Score          int32 // Score accumulated in the current window
	LastScoreReset int64 // When score was last reset
}

// Server manages request policies
type Server struct {
	cfg config.PolicyConfig

	// Per-IP stats
	statsMu sync.RWMutex
	stats   map[string]*IPStats

	// Wallet blocklist and IP allowlist
	listMu    sync.RWMutex
	blocklist map[string]struct{}
	allowlist map[string]struct{}

	now func() time.Time

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a policy server seeded with the configured lists
func NewServer(cfg config.PolicyConfig) *Server {
	p := &Server{
		cfg:       cfg,
		stats:     make(map[string]*IPStats),
		blocklist: make(map[string]struct{}),
		allowlist: make(map[string]struct{}),
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	for _, addr := range cfg.Blocklist {
		p.blocklist[addr] = struct{}{}
	}
	for _, ip := range cfg.Allowlist {
		p.allowlist[ip] = struct{}{}
	}
	return p
}

// Enabled reports whether the policy is enforced
func (p *Server) Enabled() bool {
	return p.cfg.Enabled
}

// Start begins the background cleanup of stale entries
func (p *Server) Start() {
	if !p.cfg.Enabled {
		util.Info("Request policy disabled")
		return
	}

	p.wg.Add(1)
	go p.resetLoop()

	util.Infof("Request policy started: max score %d per %s, ban %s",
		p.cfg.MaxScore, p.cfg.ScoreResetTime, p.cfg.BanDuration)
}

// Stop shuts down the policy server
func (p *Server) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

func (p *Server) resetLoop() {
	defer p.wg.Done()

	interval := p.cfg.ScoreResetTime
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

// resetStats lifts expired bans and drops idle entries
func (p *Server) resetStats() {
	now := p.now().UnixMilli()
	staleTimeout := p.cfg.ScoreResetTime.Milliseconds()
	if ban := p.cfg.BanDuration.Milliseconds(); ban > staleTimeout {
		staleTimeout = ban
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed := 0
	unbanned := 0

	for ip, stats := range p.stats {
		stats.mu.Lock()

		if p.expireBan(stats, now) {
			unbanned++
			util.Infof("Ban expired for %s", ip)
		}

		if now-stats.LastBeat >= staleTimeout && atomic.LoadInt32(&stats.Banned) == 0 {
			stats.mu.Unlock()
			delete(p.stats, ip)
			removed++
			continue
		}

		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

// expireBan clears a ban older than the ban duration. stats.mu must be held.
func (p *Server) expireBan(stats *IPStats, now int64) bool {
	if stats.BannedAt == 0 || now-stats.BannedAt < p.cfg.BanDuration.Milliseconds() {
		return false
	}
	stats.BannedAt = 0
	stats.Malformed = 0
	return atomic.CompareAndSwapInt32(&stats.Banned, 1, 0)
}

// getStats gets or creates stats for an IP
func (p *Server) getStats(ip string) *IPStats {
	now := p.now().UnixMilli()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{LastScoreReset: now}
		p.stats[ip] = stats
	}
	stats.LastBeat = now
	return stats
}

// IsBanned checks if an IP is currently banned
func (p *Server) IsBanned(ip string) bool {
	if !p.cfg.Enabled || p.IsAllowlisted(ip) {
		return false
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	p.expireBan(stats, p.now().UnixMilli())
	return atomic.LoadInt32(&stats.Banned) > 0
}

// AddScore adds to an IP's score and returns false once the limit is reached
func (p *Server) AddScore(ip string, cost int32) bool {
	if !p.cfg.Enabled || p.IsAllowlisted(ip) {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := p.now().UnixMilli()

	if now-stats.LastScoreReset >= p.cfg.ScoreResetTime.Milliseconds() {
		stats.Score = 0
		stats.LastScoreReset = now
	}

	stats.Score += cost

	if stats.Score >= p.cfg.MaxScore {
		util.Warnf("Score limit exceeded for %s: %d >= %d", ip, stats.Score, p.cfg.MaxScore)
		stats.Score = 0

		if p.cfg.BanDuration > 0 {
			p.ban(ip, stats, now)
		}
		return false
	}

	return true
}

// ApplyRead charges a read request
func (p *Server) ApplyRead(ip string) bool {
	return p.AddScore(ip, p.cfg.CostRead)
}

// ApplyWrite charges a state changing request
func (p *Server) ApplyWrite(ip string) bool {
	return p.AddScore(ip, p.cfg.CostWrite)
}

// ApplyMalformed charges a request with an invalid address or task
func (p *Server) ApplyMalformed(ip string) bool {
	if !p.cfg.Enabled || p.IsAllowlisted(ip) {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.Malformed++
	stats.mu.Unlock()

	return p.AddScore(ip, p.cfg.CostMalformed)
}

// BanIP bans an IP address for the ban duration
func (p *Server) BanIP(ip string) {
	if !p.cfg.Enabled {
		return
	}
	if p.IsAllowlisted(ip) {
		util.Debugf("IP %s is allowlisted, not banning", ip)
		return
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	p.ban(ip, stats, p.now().UnixMilli())
}

// ban marks stats as banned. stats.mu must be held.
func (p *Server) ban(ip string, stats *IPStats, now int64) {
	stats.BannedAt = now
	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("Banned IP: %s", ip)
	}
}

// ApplyWalletPolicy checks the wallet blocklist. A blocked wallet bans the requesting IP.
func (p *Server) ApplyWalletPolicy(address, ip string) bool {
	if !p.IsBlocked(address) {
		return true
	}

	util.Warnf("Blocked wallet %s from IP %s", util.ShortAddress(address), ip)
	p.BanIP(ip)
	return false
}

// IsAllowlisted checks if an IP is exempt from the policy
func (p *Server) IsAllowlisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.allowlist[ip]
	return ok
}

// IsBlocked checks if a wallet address is blocked
func (p *Server) IsBlocked(address string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blocklist[address]
	return ok
}

// Block adds a wallet address to the blocklist
func (p *Server) Block(address string) {
	p.listMu.Lock()
	p.blocklist[address] = struct{}{}
	p.listMu.Unlock()
}

// Allow adds an IP to the allowlist
func (p *Server) Allow(ip string) {
	p.listMu.Lock()
	p.allowlist[ip] = struct{}{}
	p.listMu.Unlock()
}

// GetStats returns tracked and banned IP counts for monitoring
func (p *Server) GetStats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}
