// Package config loads the TOML configuration file described in spec.md
// §6. Configuration loading itself is an external collaborator surface
// (spec.md §1's out-of-scope command-line entry point owns reading this
// file at startup); this package is the thin, fully-tested contract
// boundary that collaborator calls into, mirroring the Load/Validate/
// DefaultConfig shape of controlplane/s3-uploader/internal/config.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/shredrace/internal/core"
	"github.com/malbeclabs/shredrace/internal/txdecode"
)

// SourceType enumerates the [[sources]] "type" field (spec.md §6).
type SourceType string

const (
	SourceTypeShred    SourceType = "shred"
	SourceTypeRPC      SourceType = "rpc"
	SourceTypeGeyser   SourceType = "geyser"
	SourceTypeJitoGRPC SourceType = "jito-grpc"
)

// DefaultInterface is the shred source's default multicast interface
// (spec.md §6).
const DefaultInterface = "doublezero1"

// SourceConfig is one [[sources]] table.
type SourceConfig struct {
	Name string     `toml:"name"`
	Type SourceType `toml:"type"`

	// shred
	MulticastAddr string `toml:"multicast_addr"`
	Port          uint16 `toml:"port"`
	Interface     string `toml:"interface"`

	// rpc / geyser / jito-grpc
	URL    string `toml:"url"`
	XToken string `toml:"x_token"`

	PinRecvCore   *uint16 `toml:"pin_recv_core"`
	PinDecodeCore *uint16 `toml:"pin_decode_core"`
}

// Config is the top-level TOML document (spec.md §6).
type Config struct {
	FilterPrograms []string       `toml:"filter_programs"`
	Sources        []SourceConfig `toml:"sources"`
}

// DefaultConfig returns a Config with no sources and no program filter,
// matching spec.md §6's stated defaults (empty filter_programs).
func DefaultConfig() *Config {
	return &Config{}
}

// Load reads and parses a TOML file at path, applying defaults, but does
// not Validate it (callers decide when to validate, e.g. after CLI
// overrides are layered on).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config %s: %w", core.ErrConfig, path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %w", core.ErrConfig, path, err)
	}

	for i := range cfg.Sources {
		if cfg.Sources[i].Type == SourceTypeShred && cfg.Sources[i].Interface == "" {
			cfg.Sources[i].Interface = DefaultInterface
		}
	}

	return cfg, nil
}

// Validate checks every invariant spec.md §6's table and §7's ConfigError
// taxonomy require: unique names, required fields per source type, and
// decodable base58 program IDs.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: at least one [[sources]] entry is required", core.ErrConfig)
	}

	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("%w: source name is required", core.ErrConfig)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate source name %q", core.ErrConfig, s.Name)
		}
		seen[s.Name] = struct{}{}

		if err := s.validate(); err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
	}

	if _, err := c.ProgramAllowlist(); err != nil {
		return err
	}

	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Type {
	case SourceTypeShred:
		if s.MulticastAddr == "" {
			return fmt.Errorf("%w: multicast_addr is required", core.ErrConfig)
		}
		if ip := net.ParseIP(s.MulticastAddr); ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("%w: multicast_addr %q is not a multicast address", core.ErrConfig, s.MulticastAddr)
		}
		if s.Port == 0 {
			return fmt.Errorf("%w: port is required (no default)", core.ErrConfig)
		}
	case SourceTypeRPC, SourceTypeGeyser, SourceTypeJitoGRPC:
		if s.URL == "" {
			return fmt.Errorf("%w: url is required", core.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown source type %q", core.ErrConfig, s.Type)
	}
	return nil
}

// ProgramAllowlist decodes FilterPrograms into a set of solana.PublicKey,
// for internal/slotbuf.New's allowlist parameter. An empty list decodes to
// an empty (non-nil) set, meaning "no filter" per spec.md §4.4.
func (c *Config) ProgramAllowlist() (map[solana.PublicKey]struct{}, error) {
	out := make(map[solana.PublicKey]struct{}, len(c.FilterPrograms))
	for _, s := range c.FilterPrograms {
		raw, err := base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: filter_programs entry %q is not valid base58: %w", core.ErrConfig, s, err)
		}
		if len(raw) != txdecode.PublicKeySize {
			return nil, fmt.Errorf("%w: filter_programs entry %q decodes to %d bytes, want %d", core.ErrConfig, s, len(raw), txdecode.PublicKeySize)
		}
		var pk solana.PublicKey
		copy(pk[:], raw)
		out[pk] = struct{}{}
	}
	return out, nil
}
