// Package config loads the application's root configuration: logging,
// metrics, and the session/stream engine settings, from a single YAML
// document. It replaces the teacher's own configuration package, whose
// Agent/Config types wrapped a different torrent client entirely
// (anacrolix's, via code.uber.internal/infra/kraken-torrent) and loaded
// through go-common's xconfig, a module not fetchable outside Uber's own
// network (see DESIGN.md).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/yoep/popcorn-fx-torrent-engine/log"
	"github.com/yoep/popcorn-fx-torrent-engine/metrics"
	"github.com/yoep/popcorn-fx-torrent-engine/session"
	"github.com/yoep/popcorn-fx-torrent-engine/stream"
)

// Config is the root of the application's YAML configuration document.
type Config struct {
	// Environment names the deployment tier ("dev", "staging", "prod").
	// It is loaded but not read by popcornfxd; the metrics cluster tag
	// comes from its -cluster flag instead.
	Environment string `yaml:"environment"`

	Log     log.Config     `yaml:"log"`
	Metrics metrics.Config `yaml:"metrics"`
	Session session.Config `yaml:"session"`
	Stream  stream.Config  `yaml:"stream"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %s", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %s", path, err)
	}
	return &c, nil
}
