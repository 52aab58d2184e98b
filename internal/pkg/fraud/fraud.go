package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sokonet/pesaportal/app/models"
	"github.com/sokonet/pesaportal/internal/pkg/kv"
)

const (
	ipAttemptsPrefix  = "ip_attempts:"
	macAttemptsPrefix = "mac_attempts:"
	rapidPrefix       = "rapid:"
	suspiciousPrefix  = "fraud:suspicious:"

	ReasonIPRateLimit  = "ip_rate_limit"
	ReasonMACRateLimit = "mac_rate_limit"
	ReasonHighRisk     = "high_risk_score"
)

// suspiciousAgents are case-insensitive substrings flagging automation.
var suspiciousAgents = []string{"bot", "crawler", "spider", "headless"}

type Config struct {
	Threshold      int           // deny at or above this score
	MaxIPAttempts  int           // hard cap per IP per window
	MaxMACAttempts int           // hard cap per MAC per window
	AttemptTTL     time.Duration // rate-limit counter window
	BurstWindow    time.Duration // successive requests closer than this are bursts
}

func DefaultConfig() Config {
	return Config{
		Threshold:      70,
		MaxIPAttempts:  10,
		MaxMACAttempts: 5,
		AttemptTTL:     time.Hour,
		BurstWindow:    5 * time.Second,
	}
}

// Request is one access attempt to score.
type Request struct {
	IP         string
	MAC        string
	Amount     int
	DeviceInfo *models.DeviceInfo
}

type Result struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	RiskScore int    `json:"riskScore"`
}

// SuspiciousActivity is an audit entry kept for 24 hours under
// fraud:suspicious:{timestamp}.
type SuspiciousActivity struct {
	IP        string `json:"ip,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Reason    string `json:"reason"`
	Details   string `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Gate scores access requests against counters in the shared store. It fails
// open: if the store is unreachable the request is allowed with score zero,
// because availability of access is prioritized over the heuristic.
type Gate struct {
	store *kv.Store
	cfg   Config
}

func NewGate(store *kv.Store, cfg Config) *Gate {
	if cfg.Threshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Gate{store: store, cfg: cfg}
}

// Evaluate scores the request. Denied attempts are not counted, so a blocked
// actor does not keep escalating its own score inside the same window.
func (g *Gate) Evaluate(ctx context.Context, req Request) Result {
	res, err := g.evaluate(ctx, req)
	if err != nil {
		log.Printf("fraud: check failed, failing open: %v", err)
		return Result{Allowed: true, RiskScore: 0}
	}
	return res
}

func (g *Gate) evaluate(ctx context.Context, req Request) (Result, error) {
	score := 0

	if req.IP != "" {
		attempts, err := g.store.GetInt(ctx, ipAttemptsPrefix+req.IP)
		if err != nil {
			return Result{}, fmt.Errorf("ip attempts: %w", err)
		}
		if attempts >= g.cfg.MaxIPAttempts {
			return Result{Allowed: false, Reason: ReasonIPRateLimit, RiskScore: 100}, nil
		}
		score += attempts * 5
	}

	if req.MAC != "" {
		attempts, err := g.store.GetInt(ctx, macAttemptsPrefix+req.MAC)
		if err != nil {
			return Result{}, fmt.Errorf("mac attempts: %w", err)
		}
		if attempts >= g.cfg.MaxMACAttempts {
			return Result{Allowed: false, Reason: ReasonMACRateLimit, RiskScore: 100}, nil
		}
		score += attempts * 10
	}

	if req.Amount < 1 || req.Amount > 1000 {
		score += 30
	}

	burst, err := g.checkBurst(ctx, firstNonEmpty(req.IP, req.MAC))
	if err != nil {
		return Result{}, err
	}
	if burst {
		score += 40
	}

	score += deviceRisk(req.DeviceInfo)

	if score >= g.cfg.Threshold {
		return Result{Allowed: false, Reason: ReasonHighRisk, RiskScore: score}, nil
	}

	if err := g.recordAttempt(ctx, req); err != nil {
		return Result{}, err
	}
	return Result{Allowed: true, RiskScore: score}, nil
}

// checkBurst reports whether identifier issued a request within the burst
// window, then stamps the current request time.
func (g *Gate) checkBurst(ctx context.Context, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}
	key := rapidPrefix + identifier
	now := time.Now().UnixMilli()

	raw, err := g.store.Get(ctx, key)
	if err != nil && err != kv.ErrNotFound {
		return false, fmt.Errorf("rapid lookup: %w", err)
	}

	if err == nil {
		last, perr := strconv.ParseInt(raw, 10, 64)
		if perr == nil && now-last < g.cfg.BurstWindow.Milliseconds() {
			return true, nil
		}
	}

	if err := g.store.SetEx(ctx, key, strconv.FormatInt(now, 10), 10*time.Second); err != nil {
		return false, fmt.Errorf("rapid stamp: %w", err)
	}
	return false, nil
}

// recordAttempt bumps the per-identifier counters. Increment and TTL refresh
// run in one transaction so a counter can never lose its expiry.
func (g *Gate) recordAttempt(ctx context.Context, req Request) error {
	if req.IP != "" {
		if _, err := g.store.IncrWithTTL(ctx, ipAttemptsPrefix+req.IP, g.cfg.AttemptTTL); err != nil {
			return fmt.Errorf("record ip attempt: %w", err)
		}
	}
	if req.MAC != "" {
		if _, err := g.store.IncrWithTTL(ctx, macAttemptsPrefix+req.MAC, g.cfg.AttemptTTL); err != nil {
			return fmt.Errorf("record mac attempt: %w", err)
		}
	}
	return nil
}

// deviceRisk computes the fingerprint term of the score, capped at 100.
func deviceRisk(info *models.DeviceInfo) int {
	if info == nil {
		return 0
	}
	risk := 0

	if info.UserAgent != "" {
		agent := strings.ToLower(info.UserAgent)
		for _, marker := range suspiciousAgents {
			if strings.Contains(agent, marker) {
				risk += 50
				break
			}
		}
	}

	if info.Screen == nil || info.Timezone == "" {
		risk += 20
	}

	if s := info.Screen; s != nil {
		if s.Width < 100 || s.Height < 100 || s.Width > 5000 || s.Height > 5000 {
			risk += 30
		}
	}

	if risk > 100 {
		risk = 100
	}
	return risk
}

// ReportSuspicious records an audit entry. Failures are logged and swallowed;
// the audit trail never blocks a request.
func (g *Gate) ReportSuspicious(ctx context.Context, activity SuspiciousActivity) {
	activity.Timestamp = time.Now().UnixMilli()
	key := suspiciousPrefix + strconv.FormatInt(activity.Timestamp, 10)

	data, err := json.Marshal(activity)
	if err != nil {
		log.Printf("fraud: marshal suspicious activity: %v", err)
		return
	}
	if err := g.store.SetEx(ctx, key, data, 24*time.Hour); err != nil {
		log.Printf("fraud: report suspicious activity: %v", err)
		return
	}
	log.Printf("fraud: suspicious activity reported: %s (ip=%s mac=%s)", activity.Reason, activity.IP, activity.MAC)
}

// ListSuspicious returns up to limit recorded activities, newest first. Read
// failures degrade to an empty list.
func (g *Gate) ListSuspicious(ctx context.Context, limit int) []SuspiciousActivity {
	keys, err := g.store.Scan(ctx, suspiciousPrefix+"*")
	if err != nil {
		log.Printf("fraud: list suspicious activities: %v", err)
		return nil
	}

	activities := make([]SuspiciousActivity, 0, len(keys))
	for _, key := range keys {
		raw, err := g.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var a SuspiciousActivity
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		activities = append(activities, a)
	}

	sort.Slice(activities, func(i, j int) bool {
		return activities[i].Timestamp > activities[j].Timestamp
	})
	if limit > 0 && len(activities) > limit {
		activities = activities[:limit]
	}
	return activities
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
