// Package config decodes and validates the TOML configuration file
// described in spec.md §6: a [Self] block plus one or more [[Peer]] blocks,
// each with one or more channels.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/reubengreen73/cryptocomms/pkg/secret"
)

// maxUDPPayload is the largest payload UDP over IPv4 can carry, per
// spec.md §6.
const maxUDPPayload = 65507

// defaultWorkers is used when [Self] Workers is left at its zero value.
const defaultWorkers = 4

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// File is the raw shape of the TOML file, decoded verbatim before
// validation. Field names are capitalised to match BurntSushi/toml's
// default un-tagged mapping, the way the teacher's tomlConfig does.
type File struct {
	Self    selfFile
	Logging loggingFile
	Status  statusFile
	Peer    []peerFile
}

type selfFile struct {
	Id            string
	Listen        string
	MaxPacketSize int
	DataDir       string
	Workers       int
}

type loggingFile struct {
	Level        string
	ReportCaller bool
}

type statusFile struct {
	Listen string
}

type peerFile struct {
	Name          string
	Id            string
	SharedSecret  string
	Address       string
	Port          int
	MaxPacketSize int
	Channel       []channelFile
}

type channelFile struct {
	Id       string
	Endpoint string
}

// Channel is one validated channel: a 2-byte id and the local endpoint
// base path the Connection for it should use (see pkg/pipeio).
type Channel struct {
	ID       [2]byte
	Endpoint string
}

// Peer is one validated remote peer configuration.
type Peer struct {
	Name         string
	ID           [4]byte
	SharedSecret secret.Key
	Address      string
	Port         int
	// MaxPacketSize is 0 when this peer did not override the [Self] block's
	// default; callers should fall back to Config.DefaultMaxPacketSize.
	MaxPacketSize int
	Channels      []Channel
}

// EffectiveMaxPacketSize returns the peer's own MaxPacketSize if it
// overrode the default, or defaultSize otherwise.
func (p Peer) EffectiveMaxPacketSize(defaultSize int) int {
	if p.MaxPacketSize != 0 {
		return p.MaxPacketSize
	}
	return defaultSize
}

// Config is the fully validated, decoded configuration.
type Config struct {
	SelfID               [4]byte
	Listen               string
	DefaultMaxPacketSize int

	LogLevel        string
	LogReportCaller bool

	StatusListen string

	// DataDir holds the segment-number generator's files and the
	// statsstore's badgerhold directory.
	DataDir string
	Workers int

	Peers []Peer
}

// Load reads and validates the TOML configuration file at path. Every
// validation failure across every peer block is collected via
// go-multierror before Load returns, rather than stopping at the first
// mistake.
func Load(path string) (*Config, error) {
	var raw File
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return validate(raw)
}

func validate(raw File) (*Config, error) {
	var errs *multierror.Error

	cfg := &Config{
		LogLevel:        raw.Logging.Level,
		LogReportCaller: raw.Logging.ReportCaller,
		StatusListen:    raw.Status.Listen,
		Listen:          raw.Self.Listen,
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	selfID, err := parseID4(raw.Self.Id)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("[Self] Id: %w", err))
	}
	cfg.SelfID = selfID

	if raw.Self.Listen == "" {
		errs = multierror.Append(errs, fmt.Errorf("[Self] Listen is required"))
	} else if _, _, err := net.SplitHostPort(raw.Self.Listen); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("[Self] Listen: %w", err))
	}

	if raw.Self.MaxPacketSize < 0 || raw.Self.MaxPacketSize > maxUDPPayload {
		errs = multierror.Append(errs, fmt.Errorf("[Self] MaxPacketSize %d out of range [0, %d]", raw.Self.MaxPacketSize, maxUDPPayload))
	} else {
		cfg.DefaultMaxPacketSize = raw.Self.MaxPacketSize
	}

	if raw.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(raw.Status.Listen); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("[Status] Listen: %w", err))
		}
	}

	if raw.Self.DataDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("[Self] DataDir is required"))
	}
	cfg.DataDir = raw.Self.DataDir

	cfg.Workers = raw.Self.Workers
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	if len(raw.Peer) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("configuration defines no [[Peer]] blocks"))
	}

	seenNames := make(map[string]bool, len(raw.Peer))
	for i, p := range raw.Peer {
		peer, peerErrs := validatePeer(i, p)
		errs = multierror.Append(errs, peerErrs...)

		if peer.Name != "" {
			if seenNames[peer.Name] {
				errs = multierror.Append(errs, fmt.Errorf("peer %d: duplicate name %q", i, peer.Name))
			}
			seenNames[peer.Name] = true
		}

		cfg.Peers = append(cfg.Peers, peer)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validatePeer(i int, p peerFile) (Peer, []error) {
	var errs []error
	peer := Peer{
		Name:          p.Name,
		Address:       p.Address,
		Port:          p.Port,
		MaxPacketSize: p.MaxPacketSize,
	}

	if p.Name == "" || !nameRe.MatchString(p.Name) {
		errs = append(errs, fmt.Errorf("peer %d: Name %q must match [A-Za-z0-9_-]+", i, p.Name))
	}

	id, err := parseID4(p.Id)
	if err != nil {
		errs = append(errs, fmt.Errorf("peer %q: Id: %w", label(p.Name, i), err))
	}
	peer.ID = id

	key, err := secret.FromHex(p.SharedSecret)
	if err != nil {
		errs = append(errs, fmt.Errorf("peer %q: SharedSecret: %w", label(p.Name, i), err))
	}
	peer.SharedSecret = key

	if p.Address == "" {
		errs = append(errs, fmt.Errorf("peer %q: Address is required", label(p.Name, i)))
	}

	if p.Port < 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("peer %q: Port %d out of range [0, 65535]", label(p.Name, i), p.Port))
	}

	if p.MaxPacketSize < 0 || p.MaxPacketSize > maxUDPPayload {
		errs = append(errs, fmt.Errorf("peer %q: MaxPacketSize %d out of range [0, %d]", label(p.Name, i), p.MaxPacketSize, maxUDPPayload))
	}

	if len(p.Channel) == 0 {
		errs = append(errs, fmt.Errorf("peer %q: must define at least one [[Peer.Channel]]", label(p.Name, i)))
	}

	seenChanIDs := make(map[[2]byte]bool, len(p.Channel))
	seenEndpoints := make(map[string]bool, len(p.Channel))
	for j, ch := range p.Channel {
		chID, err := parseID2(ch.Id)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %q, channel %d: Id: %w", label(p.Name, i), j, err))
			continue
		}
		if ch.Endpoint == "" {
			errs = append(errs, fmt.Errorf("peer %q, channel %d: Endpoint is required", label(p.Name, i), j))
			continue
		}
		if seenChanIDs[chID] {
			errs = append(errs, fmt.Errorf("peer %q: duplicate channel Id %q", label(p.Name, i), ch.Id))
		}
		seenChanIDs[chID] = true
		if seenEndpoints[ch.Endpoint] {
			errs = append(errs, fmt.Errorf("peer %q: duplicate channel Endpoint %q", label(p.Name, i), ch.Endpoint))
		}
		seenEndpoints[ch.Endpoint] = true

		peer.Channels = append(peer.Channels, Channel{ID: chID, Endpoint: ch.Endpoint})
	}

	return peer, errs
}

func label(name string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("#%d", i)
}

func parseID4(s string) ([4]byte, error) {
	var id [4]byte
	b, err := decodeFixedHex(s, 4)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func parseID2(s string) ([2]byte, error) {
	var id [2]byte
	b, err := decodeFixedHex(s, 2)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	if len(s) != 2*n {
		return nil, fmt.Errorf("must be exactly %d hex digits, got %d characters", 2*n, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}
