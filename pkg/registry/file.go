package registry

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jacktea/xblob/pkg/xerrors"
)

type fileNode struct {
	ID        string `yaml:"id"`
	Endpoint  string `yaml:"endpoint"`
	PublicKey string `yaml:"public_key"`
	Zone      string `yaml:"zone,omitempty"`
	State     State  `yaml:"state,omitempty"`
}

type fileFormat struct {
	Version uint64     `yaml:"version"`
	Nodes   []fileNode `yaml:"nodes"`
}

// Parse decodes a YAML registry document.
func Parse(data []byte) (*Snapshot, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "registry.Parse", "", err)
	}
	nodes := make([]Node, 0, len(doc.Nodes))
	for _, fn := range doc.Nodes {
		n := Node{ID: fn.ID, Endpoint: fn.Endpoint, Zone: fn.Zone, State: fn.State}
		if fn.PublicKey != "" {
			key, err := DecodeKey(fn.PublicKey)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.KindConfig, "registry.Parse", fn.ID, err)
			}
			n.PublicKey = key
		}
		nodes = append(nodes, n)
	}
	return NewSnapshot(doc.Version, nodes)
}

// Marshal renders s in the format Parse accepts.
func Marshal(s *Snapshot) ([]byte, error) {
	doc := fileFormat{Version: s.version}
	for _, n := range s.nodes {
		fn := fileNode{ID: n.ID, Endpoint: n.Endpoint, Zone: n.Zone, State: n.State}
		if n.PublicKey != nil {
			fn.PublicKey = EncodeKey(n.PublicKey)
		}
		doc.Nodes = append(doc.Nodes, fn)
	}
	return yaml.Marshal(&doc)
}

// LoadFile reads a YAML registry file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfig, "registry.LoadFile", path, err)
	}
	return Parse(data)
}

// Watch reloads path every interval and swaps newer versions into h until
// ctx is cancelled. Load errors are logged and the previous snapshot stays.
func Watch(ctx context.Context, h *Holder, path string, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := os.Stat(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("registry stat failed")
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		snap, err := LoadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("registry reload failed")
			continue
		}
		lastMod = info.ModTime()
		if h.Swap(snap) {
			logger.Info().Uint64("version", snap.Version()).Int("nodes", snap.Len()).Msg("registry refreshed")
		}
	}
}
