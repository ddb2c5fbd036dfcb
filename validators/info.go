package validators

import (
	"slices"
	"time"

	"github.com/knhk/go-bft"
)

const (
	validRatioWeight = 0.7
	uptimeWeight     = 0.3

	healthyReputation = 0.7
	healthyUptime     = 80.0
)

// Metrics are the observations a reputation score is derived from.
type Metrics struct {
	ValidMessages      uint64
	InvalidSignatures  uint64
	ByzantineBehaviors uint64
	// Uptime is a percentage in [0, 100].
	Uptime          float64
	AvgResponseTime time.Duration
}

// ReputationScore blends the ratio of valid messages with uptime into a score
// in [0, 1]. A validator with no observations scores zero.
func (m Metrics) ReputationScore() float64 {
	total := m.ValidMessages + m.InvalidSignatures + m.ByzantineBehaviors
	if total == 0 {
		return 0
	}
	validRatio := float64(m.ValidMessages) / float64(total)
	score := validRatioWeight*validRatio + uptimeWeight*(m.Uptime/100)
	return min(max(score, 0), 1)
}

func (m Metrics) IsHealthy() bool {
	return m.ReputationScore() >= healthyReputation &&
		m.Uptime >= healthyUptime &&
		m.ByzantineBehaviors == 0
}

// Info is a validator record. Values returned by Set are copies; mutate a
// validator only through Set.
type Info struct {
	NodeID       bft.NodeID
	PublicKey    []byte
	Metrics      Metrics
	IsActive     bool
	JoinedAt     time.Time
	LastActivity time.Time
}

func (i Info) clone() Info {
	i.PublicKey = slices.Clone(i.PublicKey)
	return i
}

// Rotation describes the outcome of Set.RotateValidators.
type Rotation struct {
	// Removed lists validators pruned for inactivity, oldest activity first.
	Removed []bft.NodeID
	// Added lists validators admitted from the candidates, in candidate order.
	Added []bft.NodeID
	// Rejected lists candidates that could not be admitted.
	Rejected []Rejection
}

type Rejection struct {
	NodeID bft.NodeID
	Err    error
}

// HealthStatus is a snapshot of the set.
type HealthStatus struct {
	Total     int
	Active    int
	Byzantine int
	Healthy   bool
}
