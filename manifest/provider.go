package manifest

import (
	"context"
)

// ManifestProvider delivers the manifests a replica runs with.
type ManifestProvider interface {
	Start(context.Context) error
	Stop(context.Context) error
	// ManifestUpdates returns a channel that receives every new manifest. A nil
	// manifest pauses consensus until the next update. Only the most recent
	// update is buffered.
	ManifestUpdates() <-chan *Manifest
}

var _ ManifestProvider = (*StaticManifestProvider)(nil)

// StaticManifestProvider delivers a single manifest and never changes it.
type StaticManifestProvider struct {
	ch chan *Manifest
}

func NewStaticManifestProvider(m *Manifest) (*StaticManifestProvider, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan *Manifest, 1)
	ch <- m
	return &StaticManifestProvider{ch: ch}, nil
}

func (p *StaticManifestProvider) Start(context.Context) error       { return nil }
func (p *StaticManifestProvider) Stop(context.Context) error        { return nil }
func (p *StaticManifestProvider) ManifestUpdates() <-chan *Manifest { return p.ch }
