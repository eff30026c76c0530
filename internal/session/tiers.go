package session

// Tier is a subscription level. The set is closed: adding a tier means
// extending TierLimits, which the tests pin down.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// Limits are the quota limits attached to a tier.
type Limits struct {
	MinutesPerMonth int
	MaxParticipants int
}

// TierLimits returns the quota limits for a tier. Unknown tiers are treated
// as free so a misconfigured identity record can never grant extra quota.
func TierLimits(t Tier) Limits {
	switch t {
	case TierPlus:
		return Limits{MinutesPerMonth: 300, MaxParticipants: 4}
	case TierPro:
		return Limits{MinutesPerMonth: 1800, MaxParticipants: 12}
	case TierFree:
		return Limits{MinutesPerMonth: 40, MaxParticipants: 2}
	}
	return Limits{MinutesPerMonth: 40, MaxParticipants: 2}
}

// ParseTier maps a configuration string to a Tier, defaulting to free.
func ParseTier(name string) Tier {
	switch Tier(name) {
	case TierPlus:
		return TierPlus
	case TierPro:
		return TierPro
	}
	return TierFree
}

// StaticTiers is a TierSource that reports the same tier for every user.
// Used when the identity provider does not supply tier information.
type StaticTiers struct {
	Tier Tier
}

// TierFor implements TierSource.
func (s StaticTiers) TierFor(userID string) (Tier, bool) {
	return s.Tier, true
}
