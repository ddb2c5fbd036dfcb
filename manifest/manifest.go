package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/knhk/go-bft"
	"golang.org/x/xerrors"
)

const (
	// VersionCapability is incremented whenever the wire format of protocol
	// messages changes. It is part of the pubsub topic.
	VersionCapability = 1

	DefaultTimeout               = 5 * time.Second
	DefaultWindowSize            = 128
	DefaultMinValidators         = 3
	DefaultMaxValidators         = 100
	DefaultInactivityTimeout     = 5 * time.Minute
	DefaultSeenMessagesCacheSize = 100_000
)

var (
	DefaultConsensusConfig = ConsensusConfig{
		Timeout:    DefaultTimeout,
		WindowSize: DefaultWindowSize,
	}
	DefaultValidatorSetConfig = ValidatorSetConfig{
		Min:               DefaultMinValidators,
		Max:               DefaultMaxValidators,
		InactivityTimeout: DefaultInactivityTimeout,
	}
	DefaultFaultConfig = FaultConfig{
		SeenMessagesCacheSize: DefaultSeenMessagesCacheSize,
	}
)

type NetworkName string

// Validator is a member of the initial cluster.
type Validator struct {
	ID bft.NodeID
	// PublicKey is opaque to consensus; signing is done by the transport.
	PublicKey []byte
}

type ConsensusConfig struct {
	// Timeout bounds every wait for a quorum, and the time a view may go
	// without progress before it is abandoned.
	Timeout time.Duration
	// PacemakerInterval is how often progress is checked. Zero selects a
	// quarter of Timeout.
	PacemakerInterval time.Duration
	// WindowSize is the number of PBFT sequence numbers that may be in flight.
	WindowSize uint64
}

func (c *ConsensusConfig) Validate() error {
	switch {
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.PacemakerInterval < 0:
		return fmt.Errorf("pacemaker interval must not be negative, got %s", c.PacemakerInterval)
	case c.PacemakerInterval > c.Timeout:
		return fmt.Errorf("pacemaker interval %s exceeds timeout %s", c.PacemakerInterval, c.Timeout)
	case c.WindowSize == 0:
		return fmt.Errorf("window size must be at least 1")
	}
	return nil
}

type ValidatorSetConfig struct {
	Min int
	Max int
	// InactivityTimeout is how long a validator may go without activity before
	// rotation prunes it.
	InactivityTimeout time.Duration
}

func (c *ValidatorSetConfig) Validate() error {
	switch {
	case c.Min < DefaultMinValidators:
		return fmt.Errorf("minimum validators must be at least %d, got %d", DefaultMinValidators, c.Min)
	case c.Max < c.Min:
		return fmt.Errorf("maximum validators %d below minimum %d", c.Max, c.Min)
	case c.InactivityTimeout <= 0:
		return fmt.Errorf("inactivity timeout must be positive, got %s", c.InactivityTimeout)
	}
	return nil
}

type FaultConfig struct {
	// SeenMessagesCacheSize bounds the number of (replica, slot) pairs
	// remembered for equivocation detection.
	SeenMessagesCacheSize int
}

func (c *FaultConfig) Validate() error {
	if c.SeenMessagesCacheSize < 1 {
		return fmt.Errorf("seen messages cache size must be at least 1, got %d", c.SeenMessagesCacheSize)
	}
	return nil
}

// Manifest identifies the configuration of a cluster: its members, the
// protocol they run and its parameters.
type Manifest struct {
	// NetworkName separates clusters sharing a transport or a datastore.
	NetworkName NetworkName
	Protocol    bft.Protocol
	Validators  []Validator

	Consensus    ConsensusConfig
	ValidatorSet ValidatorSetConfig
	Fault        FaultConfig
}

// LocalDevnetManifest returns a four node HotStuff manifest with a random
// network name and default parameters.
func LocalDevnetManifest() *Manifest {
	m := &Manifest{
		NetworkName:  NetworkName(fmt.Sprintf("localnet-%X", rand.Uint64())),
		Protocol:     bft.ProtocolHotStuff,
		Consensus:    DefaultConsensusConfig,
		ValidatorSet: DefaultValidatorSetConfig,
		Fault:        DefaultFaultConfig,
	}
	for id := bft.NodeID(1); id <= 4; id++ {
		key := bft.MakeHash([]byte(fmt.Sprintf("%s/%d", m.NetworkName, id)))
		m.Validators = append(m.Validators, Validator{ID: id, PublicKey: key[:]})
	}
	return m
}

// Validate checks the manifest for internal consistency.
func (m *Manifest) Validate() error {
	if m == nil {
		return xerrors.New("invalid manifest: manifest is nil")
	}
	if m.NetworkName == "" {
		return xerrors.New("invalid manifest: network name is empty")
	}
	switch m.Protocol {
	case bft.ProtocolPBFT, bft.ProtocolHotStuff:
	default:
		return xerrors.Errorf("invalid manifest: unknown protocol %q", m.Protocol)
	}
	if err := m.Consensus.Validate(); err != nil {
		return xerrors.Errorf("invalid manifest: invalid consensus config: %w", err)
	}
	if err := m.ValidatorSet.Validate(); err != nil {
		return xerrors.Errorf("invalid manifest: invalid validator set config: %w", err)
	}
	if err := m.Fault.Validate(); err != nil {
		return xerrors.Errorf("invalid manifest: invalid fault config: %w", err)
	}

	seen := make(map[bft.NodeID]struct{}, len(m.Validators))
	for _, v := range m.Validators {
		if v.ID == bft.UndefNodeID {
			return xerrors.New("invalid manifest: validator with undefined id")
		}
		if len(v.PublicKey) == 0 {
			return xerrors.Errorf("invalid manifest: validator %d has no public key", v.ID)
		}
		if _, duplicate := seen[v.ID]; duplicate {
			return xerrors.Errorf("invalid manifest: duplicate validator %d", v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	n := len(m.Validators)
	if n < m.ValidatorSet.Min || n > m.ValidatorSet.Max {
		return xerrors.Errorf("invalid manifest: %d validators outside bounds [%d, %d]",
			n, m.ValidatorSet.Min, m.ValidatorSet.Max)
	}
	if m.Protocol == bft.ProtocolHotStuff && n < 4 {
		return xerrors.Errorf("invalid manifest: hotstuff needs at least 4 validators, got %d", n)
	}
	return nil
}

// NodeIDs returns the ids of the validators, sorted.
func (m *Manifest) NodeIDs() []bft.NodeID {
	ids := make([]bft.NodeID, len(m.Validators))
	for i, v := range m.Validators {
		ids[i] = v.ID
	}
	return bft.SortedNodeIDs(ids)
}

// Version uniquely identifies the content of the manifest.
func (m *Manifest) Version() (string, error) {
	b, err := m.Marshal()
	if err != nil {
		return "", xerrors.Errorf("computing manifest version: %w", err)
	}
	h := bft.MakeHash(b)
	return hex.EncodeToString(h[:]), nil
}

// Equal reports whether both manifests have the same content. Two nil
// manifests are equal.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	mv, err := m.Version()
	if err != nil {
		return false
	}
	ov, err := other.Version()
	if err != nil {
		return false
	}
	return mv == ov
}

func (m *Manifest) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Errorf("marshaling JSON: %w", err)
	}
	return b, nil
}

// Unmarshal decodes and validates a manifest.
func Unmarshal(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, xerrors.Errorf("decoding JSON: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) DatastorePrefix() datastore.Key {
	return datastore.NewKey("/bft/" + string(m.NetworkName))
}

func (m *Manifest) PubSubTopic() string {
	return fmt.Sprintf("/bft/%s/%d/%s", m.Protocol, VersionCapability, m.NetworkName)
}
