package bft

// MaxByzantine returns the number of byzantine participants tolerated by a
// cluster of n participants, ⌊(n-1)/3⌋.
func MaxByzantine(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize returns the number of matching votes, 2f+1, needed to certify a
// value among n participants.
func QuorumSize(n int) int {
	return 2*MaxByzantine(n) + 1
}

// WeakQuorumSize returns f+1: the smallest set guaranteed to contain at least
// one honest participant.
func WeakQuorumSize(n int) int {
	return MaxByzantine(n) + 1
}
