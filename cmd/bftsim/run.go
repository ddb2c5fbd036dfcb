package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/manifest"
	"github.com/knhk/go-bft/replica"
	"github.com/knhk/go-bft/sim"
	"github.com/knhk/go-bft/sim/latency"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

var log = logging.Logger("bft/sim/cmd")

const proposerPollInterval = 10 * time.Millisecond

var runCmd = cli.Command{
	Name:  "run",
	Usage: "runs a simulated cluster and proposes decisions to it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "protocol",
			Usage: "consensus protocol, pbft or hotstuff",
			Value: string(bft.ProtocolHotStuff),
		},
		&cli.IntFlag{
			Name:  "nodes",
			Usage: "number of validators",
			Value: 4,
		},
		&cli.IntFlag{
			Name:  "proposals",
			Usage: "number of proposals to make",
			Value: 5,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "protocol timeout",
			Value: time.Second,
		},
		&cli.IntFlag{
			Name:  "silent",
			Usage: "number of validators that never start",
		},
		&cli.Float64Flag{
			Name:  "loss",
			Usage: "probability in [0, 1) of dropping a message",
		},
		&cli.StringFlag{
			Name:  "latency-model",
			Usage: "message latency distribution, lognormal or zipf",
			Value: "lognormal",
		},
		&cli.DurationFlag{
			Name:  "latency-mean",
			Usage: "mean of the log-normal message latency; zero disables latency",
		},
		&cli.DurationFlag{
			Name:  "latency-max",
			Usage: "upper bound of the zipf message latency",
			Value: 50 * time.Millisecond,
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "seed for message loss and latency",
			Value: time.Now().UnixNano(),
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level of every subsystem",
			Value: "error",
		},
	},
	Action: func(c *cli.Context) error {
		if err := logging.SetLogLevel("*", c.String("log-level")); err != nil {
			return xerrors.Errorf("setting log level: %w", err)
		}
		nodes, silent := c.Int("nodes"), c.Int("silent")
		if silent < 0 || silent >= nodes {
			return xerrors.Errorf("silent validators must be in [0, %d), got %d", nodes, silent)
		}

		m := manifest.LocalDevnetManifest()
		m.Protocol = bft.Protocol(c.String("protocol"))
		m.Consensus.Timeout = c.Duration("timeout")
		m.Consensus.PacemakerInterval = m.Consensus.Timeout / 10
		m.Validators = m.Validators[:0]
		for id := bft.NodeID(1); id <= bft.NodeID(nodes); id++ {
			key := bft.MakeHash([]byte(fmt.Sprintf("%s/%d", m.NetworkName, id)))
			m.Validators = append(m.Validators, manifest.Validator{ID: id, PublicKey: key[:]})
		}
		m.ValidatorSet.Max = max(m.ValidatorSet.Max, nodes)
		if err := m.Validate(); err != nil {
			return err
		}

		netOpts := []sim.Option{
			sim.WithSeed(c.Int64("seed")),
			sim.WithLossRate(c.Float64("loss")),
		}
		model, err := latencyModel(c)
		if err != nil {
			return err
		}
		if model != nil {
			netOpts = append(netOpts, sim.WithLatencyModel(model))
		}
		network, err := sim.NewNetwork(m.NodeIDs(), netOpts...)
		if err != nil {
			return err
		}
		defer network.Close()

		cl, err := startCluster(c.Context, m, network, nodes-silent)
		if err != nil {
			return err
		}
		defer func() {
			if err := cl.stop(context.Background()); err != nil {
				log.Errorw("failed to stop cluster", "err", err)
			}
		}()

		fmt.Printf("Running %s on %s: %d validators, %d silent, loss=%.2f\n",
			m.Protocol, m.NetworkName, nodes, silent, c.Float64("loss"))
		for i := 0; i < c.Int("proposals"); i++ {
			if err := cl.propose(c.Context, m.Consensus.Timeout, i); err != nil {
				fmt.Printf("Proposal %d failed: %v\n", i, err)
			}
		}
		cl.printResults(c.Context)
		delivered, dropped := network.Stats()
		fmt.Printf("Network: delivered=%d dropped=%d\n", delivered, dropped)
		return nil
	},
}

// latencyModel returns the model selected by the latency flags, or nil when
// messages travel without latency.
func latencyModel(c *cli.Context) (latency.Model, error) {
	switch name := c.String("latency-model"); name {
	case "lognormal":
		if mean := c.Duration("latency-mean"); mean > 0 {
			return latency.NewLogNormal(c.Int64("seed"), mean)
		}
		return nil, nil
	case "zipf":
		return latency.NewZipf(c.Int64("seed"), zipfExponent, 1, c.Duration("latency-max"))
	default:
		return nil, xerrors.Errorf("unknown latency model %q", name)
	}
}

const zipfExponent = 1.1

type cluster struct {
	replicas []*replica.Replica
	size     int
}

// startCluster starts replicas for the first running validators of m. The
// remaining validators stay silent.
func startCluster(ctx context.Context, m *manifest.Manifest, network *sim.Network, running int) (*cluster, error) {
	cl := cluster{size: len(m.Validators)}
	for _, id := range m.NodeIDs()[:running] {
		endpoint, err := network.Endpoint(id)
		if err != nil {
			return nil, err
		}
		r, err := replica.New(ctx, m, id, endpoint, ds_sync.MutexWrap(datastore.NewMapDatastore()))
		if err != nil {
			return nil, err
		}
		if err := r.Start(ctx); err != nil {
			return nil, err
		}
		cl.replicas = append(cl.replicas, r)
	}
	return &cl, nil
}

func (cl *cluster) stop(ctx context.Context) error {
	var err error
	for _, r := range cl.replicas {
		err = multierr.Append(err, r.Stop(ctx))
	}
	return err
}

// proposer waits for a running replica to lead its current view. While the
// leader is silent the replicas are told a proposal is expected, so that the
// view changes past it.
func (cl *cluster) proposer(ctx context.Context) (*replica.Replica, error) {
	ticker := time.NewTicker(proposerPollInterval)
	defer ticker.Stop()
	for {
		for _, r := range cl.replicas {
			if r.Leader() == r.Self() {
				return r, nil
			}
		}
		for _, r := range cl.replicas {
			if err := r.AwaitProposal(); err != nil {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// propose allows for a view change past every member and a timed out commit.
func (cl *cluster) propose(ctx context.Context, timeout time.Duration, i int) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(2*cl.size+4)*timeout)
	defer cancel()
	r, err := cl.proposer(ctx)
	if err != nil {
		return xerrors.Errorf("finding a proposer: %w", err)
	}
	decisions := []bft.Decision{{
		WorkflowID: fmt.Sprintf("workflow-%d", i),
		Action:     bft.ActionExecute,
		Timestamp:  time.Now().UnixMilli(),
	}}
	start := time.Now()
	block, err := r.Propose(ctx, decisions)
	if err != nil {
		return err
	}
	fmt.Printf("Proposal %d by %s: %s in %s\n", i, r.Self(), block, time.Since(start).Round(time.Millisecond))
	return nil
}

func (cl *cluster) printResults(ctx context.Context) {
	for _, r := range cl.replicas {
		blocks, err := r.Committed(ctx)
		if err != nil {
			fmt.Printf("%s: reading committed blocks: %v\n", r.Self(), err)
			continue
		}
		fmt.Printf("%s committed %d blocks at view %d\n", r.Self(), len(blocks), r.CurrentView())
		for _, block := range blocks {
			fmt.Printf("  %s parent=%s\n", block, block.ParentHash.Short())
		}
	}
	r := cl.replicas[0]
	summary := r.FaultSummary()
	fmt.Printf("Faults seen by %s: total=%d faulty=%v safe=%t tolerable=%d\n",
		r.Self(), summary.TotalFaults, summary.FaultyReplicas, summary.SystemSafe, summary.MaxTolerableFaults)
	health := r.HealthStatus()
	fmt.Printf("Validators: total=%d active=%d byzantine=%d healthy=%t\n",
		health.Total, health.Active, health.Byzantine, health.Healthy)
}
