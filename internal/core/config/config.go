// Package config is the single immutable configuration record for the
// core. Per the design note in spec.md §9 ("Global configuration
// objects"), every rate limit, speed-profile tuple, and timeout lives
// here once; call sites read this table rather than hardcoding numbers.
//
// Styled after the internal/infra/config package: environment
// variables loaded once via godotenv, normalised, and exposed through a
// read-only snapshot.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// InviteLimits is the authoritative default rule table for Account
// Manager's CheckLimit (spec.md §4.2). Values here are the ones the
// spec marks "authoritative defaults".
type InviteLimits struct {
	PerAccountDaily         int           // INVITE, 24h UTC
	PerAccountChannelDaily  int           // INVITE, 24h UTC
	PerAccountChannelLife   int           // INVITE, lifetime
	PerAccountHourly        int           // INVITE, 60m sliding
	CooldownBetweenInvites  time.Duration // since last INVITE on this account
	BurstGuardMax           int           // consecutive invites before burst cooldown required
	PerAccountDailyMessages int           // MESSAGE, 24h UTC
}

// SpeedProfileParams is one row of the speed-profile table (spec.md §4.1).
type SpeedProfileParams struct {
	PerMessageDelay    time.Duration
	PerUserRequestDelay time.Duration
	BatchSize          int
	GlobalBudgetPerMin int
}

// Config is the top-level immutable configuration record. Constructed
// once at process start and passed explicitly into every component —
// never read from a package-global inside core packages.
type Config struct {
	Limits InviteLimits

	SpeedProfiles map[string]SpeedProfileParams

	// FloodWaitBuffer is the buffer added uniformly to every
	// FLOOD_WAIT(seconds) duration (spec.md §9 Open Questions: "Pick one
	// value (recommended: 60s) and enforce it uniformly").
	FloodWaitBuffer time.Duration

	// PeerFloodCooldown is the default cool-down applied on PEER_FLOOD.
	PeerFloodCooldown time.Duration

	// DayBoundaryHourUTC is the fixed UTC wall-clock hour at which *_today
	// counters reset (0 = midnight UTC).
	DayBoundaryHourUTC int

	// Lock TTLs per allocation purpose (spec.md §4.2 "Locking").
	ParseLockTTL          time.Duration
	InviteLockTTL         time.Duration
	DirectMessageLockTTL  time.Duration
	AdminProbeLockTTL     time.Duration

	// Parse engine long-lived allocation extension interval.
	ParseAllocationExtendEvery time.Duration

	// CommentScanWindow is N in "check_comments_enabled scans the most
	// recent N messages" (spec.md §4.1, N ≈ 15).
	CommentScanWindow int

	// RecoveryProbeBackoffCap bounds the exponential backoff applied to
	// repeated recovery-probe failures (spec.md §4.2 "Recovery loop").
	RecoveryProbeBackoffCap time.Duration
	// RecoveryMaxFailuresBeforeDisable promotes a session to DISABLED
	// after this many consecutive failed recovery probes.
	RecoveryMaxFailuresBeforeDisable int

	// TransientNetworkRetryCap is the small retry cap on TRANSIENT_NETWORK
	// target dispatches (spec.md §4.4 step 5, "e.g., 3").
	TransientNetworkRetryCap int

	// Selection-score weights for Account Manager's candidate scoring
	// (spec.md §4.2 "Selection"): score = w1*usage_today + w2*error_count
	// - w3*age_since_last_use.
	ScoreWeightUsage     float64
	ScoreWeightErrors    float64
	ScoreWeightAgeBonus  float64
}

// Default returns the authoritative default configuration. It is the
// single construction site for every numeric default named in spec.md.
func Default() *Config {
	return &Config{
		Limits: InviteLimits{
			PerAccountDaily:         30,
			PerAccountChannelDaily:  15,
			PerAccountChannelLife:   200,
			PerAccountHourly:        2,
			CooldownBetweenInvites:  15 * time.Minute,
			BurstGuardMax:           3,
			PerAccountDailyMessages: 40,
		},
		SpeedProfiles: map[string]SpeedProfileParams{
			"SAFE":   {PerMessageDelay: 2000 * time.Millisecond, PerUserRequestDelay: 3 * time.Second, BatchSize: 10, GlobalBudgetPerMin: 20},
			"MEDIUM": {PerMessageDelay: 800 * time.Millisecond, PerUserRequestDelay: 1500 * time.Millisecond, BatchSize: 25, GlobalBudgetPerMin: 40},
			"FAST":   {PerMessageDelay: 200 * time.Millisecond, PerUserRequestDelay: 500 * time.Millisecond, BatchSize: 50, GlobalBudgetPerMin: 90},
		},
		FloodWaitBuffer:                  60 * time.Second,
		PeerFloodCooldown:                24 * time.Hour,
		DayBoundaryHourUTC:               0,
		ParseLockTTL:                     time.Hour,
		InviteLockTTL:                    2 * time.Minute,
		DirectMessageLockTTL:             2 * time.Minute,
		AdminProbeLockTTL:                30 * time.Second,
		ParseAllocationExtendEvery:       20 * time.Minute,
		CommentScanWindow:                15,
		RecoveryProbeBackoffCap:          24 * time.Hour,
		RecoveryMaxFailuresBeforeDisable: 10,
		TransientNetworkRetryCap:         3,
		ScoreWeightUsage:                 1.0,
		ScoreWeightErrors:                5.0,
		ScoreWeightAgeBonus:              0.01,
	}
}

// loadOnce and loadMu hold process-wide state for Load's godotenv call,
// mirroring the one-shot, mutex-guarded config load pattern in internal/infra/config.
var (
	loadOnce sync.Once
	loadMu   sync.Mutex
)

// Load builds a Config from Default(), applying any ".env"-style
// overrides godotenv can find, then a handful of numeric environment
// variables. Safe to call more than once; only the first .env load
// happens via sync.Once, matching internal/infra/config's loadConfig discipline.
func Load() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
	})

	loadMu.Lock()
	defer loadMu.Unlock()

	cfg := Default()

	if v := envInt("ORC_FLOODWAIT_BUFFER_SEC"); v > 0 {
		cfg.FloodWaitBuffer = time.Duration(v) * time.Second
	}
	if v := envInt("ORC_INVITE_COOLDOWN_MIN"); v > 0 {
		cfg.Limits.CooldownBetweenInvites = time.Duration(v) * time.Minute
	}
	if v := envInt("ORC_DAY_BOUNDARY_HOUR_UTC"); v >= 0 && v < 24 {
		cfg.DayBoundaryHourUTC = v
	}

	return cfg
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return -1
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
