// Package ban tracks per-IP share quality and evicts peers submitting too
// many invalid shares.
package ban

import (
	"sync"
	"time"

	"github.com/dvandal/cnpool/internal/config"
)

// Attack submissions (malformed nonces, duplicate shares) saturate the
// invalid counter so the very next ban check evicts the peer.
const sentinelInvalid = 999999

type ipStats struct {
	validShares   int64
	invalidShares int64
}

// Controller implements threshold based IP banning. A relay hook, when
// set, propagates bans to sibling listener processes.
type Controller struct {
	opts config.BanningConfig

	mu      sync.Mutex
	stats   map[string]*ipStats
	banned  map[string]time.Time
	onBan   func(ip string)
	nowFunc func() time.Time
}

// NewController creates a ban controller. onBan may be nil.
func NewController(opts config.BanningConfig, onBan func(ip string)) *Controller {
	return &Controller{
		opts:    opts,
		stats:   make(map[string]*ipStats),
		banned:  make(map[string]time.Time),
		onBan:   onBan,
		nowFunc: time.Now,
	}
}

// IsBanned reports whether the IP is currently banned. Expired bans are
// lifted lazily here.
func (c *Controller) IsBanned(ip string) bool {
	if !c.opts.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	bannedAt, ok := c.banned[ip]
	if !ok {
		return false
	}
	if c.nowFunc().Sub(bannedAt) >= c.opts.Time {
		delete(c.banned, ip)
		delete(c.stats, ip)
		return false
	}
	return true
}

// RecordShare accounts one share result and runs the ban check once the
// sample threshold is reached. Returns true when the share just triggered
// a ban.
func (c *Controller) RecordShare(ip string, valid bool) bool {
	if !c.opts.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.statsFor(ip)
	if valid {
		s.validShares++
	} else {
		s.invalidShares++
	}
	return c.checkBanLocked(ip, s)
}

// ForceFail saturates the invalid counter for an attack submission and
// immediately runs the ban check
func (c *Controller) ForceFail(ip string) bool {
	if !c.opts.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.statsFor(ip)
	s.validShares = 0
	s.invalidShares = sentinelInvalid
	return c.checkBanLocked(ip, s)
}

// Ban marks an IP banned immediately, e.g. on relay from a sibling process
// or an invalid payment id login. Does not re-fire the relay hook.
func (c *Controller) Ban(ip string) {
	if !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	c.banned[ip] = c.nowFunc()
	c.mu.Unlock()
}

// Sweep lifts expired bans. Called periodically so long-idle IPs do not
// stay in the table until their next connection attempt.
func (c *Controller) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	lifted := 0
	for ip, bannedAt := range c.banned {
		if now.Sub(bannedAt) >= c.opts.Time {
			delete(c.banned, ip)
			delete(c.stats, ip)
			lifted++
		}
	}
	return lifted
}

// BannedCount returns the number of active bans
func (c *Controller) BannedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.banned)
}

func (c *Controller) statsFor(ip string) *ipStats {
	s, ok := c.stats[ip]
	if !ok {
		s = &ipStats{}
		c.stats[ip] = s
	}
	return s
}

func (c *Controller) checkBanLocked(ip string, s *ipStats) bool {
	total := s.validShares + s.invalidShares
	if total < c.opts.CheckThreshold {
		return false
	}

	var badRatio float64
	if s.validShares == 0 {
		badRatio = 1
	} else {
		badRatio = float64(s.invalidShares) / float64(s.validShares)
	}

	if badRatio < c.opts.InvalidPercent/100 {
		// Healthy window: reset the counters and keep watching.
		s.validShares = 0
		s.invalidShares = 0
		return false
	}

	c.banned[ip] = c.nowFunc()
	s.validShares = 0
	s.invalidShares = 0
	if c.onBan != nil {
		c.onBan(ip)
	}
	return true
}
