package main

import (
	"fmt"
	"os"

	"github.com/knhk/go-bft"
	"github.com/knhk/go-bft/manifest"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"
)

var manifestCmd = cli.Command{
	Name:  "manifest",
	Usage: "prints a local devnet manifest",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "protocol",
			Usage: "consensus protocol, pbft or hotstuff",
			Value: string(bft.ProtocolHotStuff),
		},
		&cli.PathFlag{
			Name:  "output",
			Usage: "write the manifest to this file instead of stdout",
		},
	},
	Action: func(c *cli.Context) error {
		m := manifest.LocalDevnetManifest()
		m.Protocol = bft.Protocol(c.String("protocol"))
		if err := m.Validate(); err != nil {
			return err
		}
		b, err := m.Marshal()
		if err != nil {
			return err
		}
		b = append(b, '\n')

		path := c.Path("output")
		if path == "" {
			_, err = os.Stdout.Write(b)
			return err
		}
		if err := os.WriteFile(path, b, 0666); err != nil {
			return xerrors.Errorf("writing manifest file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote manifest %s to %s\n", m.NetworkName, path)
		return nil
	},
}
