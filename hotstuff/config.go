package hotstuff

import "github.com/knhk/go-bft"

// MinNodes is the smallest cluster that tolerates one byzantine node.
const MinNodes = 4

// Config holds the quorum parameters of a cluster.
type Config struct {
	TotalNodes int
}

// NewConfig returns the configuration of a cluster of totalNodes nodes.
func NewConfig(totalNodes int) (Config, error) {
	if totalNodes < MinNodes {
		return Config{}, bft.InvalidValidatorSet("hotstuff needs at least %d nodes, got %d", MinNodes, totalNodes)
	}
	return Config{TotalNodes: totalNodes}, nil
}

// MaxByzantine returns ⌊(n-1)/3⌋.
func (c Config) MaxByzantine() int { return bft.MaxByzantine(c.TotalNodes) }

// QuorumSize returns 2f+1.
func (c Config) QuorumSize() int { return bft.QuorumSize(c.TotalNodes) }
