package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/bitmesh"
	"github.com/opd-ai/bitmesh/limits"
)

// peerList collects a repeatable -peer flag.
type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }

func (p *peerList) Set(v string) error {
	if v == "" {
		return errors.New("empty peer address")
	}
	*p = append(*p, v)
	return nil
}

// CLIConfig is the daemon configuration after flags and the config file
// are merged.
type CLIConfig struct {
	listen     string
	peers      peerList
	dataDir    string
	store      string
	status     string
	nickname   string
	configFile string
	logLevel   string
	logJSON    bool
	ttl        uint
	announce   time.Duration
	help       bool
}

// FileConfig is the YAML config file layout. Explicit flags win over it.
type FileConfig struct {
	Listen           string        `yaml:"listen"`
	Peers            []string      `yaml:"peers"`
	DataDir          string        `yaml:"data_dir"`
	Store            string        `yaml:"store"`
	Status           string        `yaml:"status"`
	Nickname         string        `yaml:"nickname"`
	LogLevel         string        `yaml:"log_level"`
	LogJSON          bool          `yaml:"log_json"`
	TTL              uint          `yaml:"ttl"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	Gossip           struct {
		SeenCapacity  int           `yaml:"seen_capacity"`
		MaxMessageAge time.Duration `yaml:"max_message_age"`
		SyncInterval  time.Duration `yaml:"sync_interval"`
	} `yaml:"gossip"`
}

// newFlagSet binds the daemon flags to config.
func newFlagSet(config *CLIConfig) *flag.FlagSet {
	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)

	// Network configuration
	fs.StringVar(&config.listen, "listen", ":7946", "TCP address to accept links on (empty disables)")
	fs.Var(&config.peers, "peer", "Peer address to dial (repeatable)")
	fs.StringVar(&config.status, "status", "", "HTTP status API address (empty disables)")

	// Identity and storage
	fs.StringVar(&config.dataDir, "data-dir", "./meshd-data", "Directory for persistent keys")
	fs.StringVar(&config.store, "store", "leveldb", "Key store backend (leveldb, file, memory)")
	fs.StringVar(&config.nickname, "nickname", "anon", "Nickname carried in announcements")

	// Protocol tuning
	fs.UintVar(&config.ttl, "ttl", 7, "Hop budget of originated packets")
	fs.DurationVar(&config.announce, "announce-interval", 30*time.Second, "Period of unsolicited announcements")

	// Logging configuration
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.logJSON, "log-json", false, "Emit logs as JSON")

	fs.StringVar(&config.configFile, "config", "", "YAML config file")
	fs.BoolVar(&config.help, "help", false, "Show help message")
	return fs
}

// parseCLIFlags parses args and reports which flags were set explicitly.
func parseCLIFlags(args []string) (*CLIConfig, map[string]bool, error) {
	config := &CLIConfig{}
	fs := newFlagSet(config)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return config, set, nil
}

// loadFileConfig reads a YAML config file.
func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// applyFileConfig fills every field not set on the command line from fc.
func applyFileConfig(config *CLIConfig, set map[string]bool, fc *FileConfig) {
	if !set["listen"] && fc.Listen != "" {
		config.listen = fc.Listen
	}
	if !set["peer"] && len(fc.Peers) > 0 {
		config.peers = append(peerList(nil), fc.Peers...)
	}
	if !set["data-dir"] && fc.DataDir != "" {
		config.dataDir = fc.DataDir
	}
	if !set["store"] && fc.Store != "" {
		config.store = fc.Store
	}
	if !set["status"] && fc.Status != "" {
		config.status = fc.Status
	}
	if !set["nickname"] && fc.Nickname != "" {
		config.nickname = fc.Nickname
	}
	if !set["log-level"] && fc.LogLevel != "" {
		config.logLevel = fc.LogLevel
	}
	if !set["log-json"] && fc.LogJSON {
		config.logJSON = true
	}
	if !set["ttl"] && fc.TTL != 0 {
		config.ttl = fc.TTL
	}
	if !set["announce-interval"] && fc.AnnounceInterval > 0 {
		config.announce = fc.AnnounceInterval
	}
}

// validateCLIConfig validates the merged configuration.
func validateCLIConfig(config *CLIConfig) error {
	switch config.store {
	case "leveldb", "file", "memory":
	default:
		return fmt.Errorf("unknown store %q: want leveldb, file or memory", config.store)
	}
	if config.store != "memory" && config.dataDir == "" {
		return fmt.Errorf("store %s needs a data directory", config.store)
	}
	if _, err := limits.ValidateNickname(config.nickname); err != nil {
		return err
	}
	if config.ttl == 0 || config.ttl > 255 {
		return fmt.Errorf("invalid ttl %d: must be between 1 and 255", config.ttl)
	}
	if config.announce <= 0 {
		return fmt.Errorf("announce interval must be positive")
	}
	if config.listen == "" && len(config.peers) == 0 {
		return fmt.Errorf("nothing to do: set -listen or at least one -peer")
	}
	return nil
}

// meshOptions converts the configuration to node options.
func meshOptions(config *CLIConfig, fc *FileConfig) bitmesh.Options {
	opts := bitmesh.DefaultOptions()
	opts.Nickname = config.nickname
	opts.TTL = uint8(config.ttl)
	opts.AnnounceInterval = config.announce
	if fc != nil {
		if fc.Gossip.SeenCapacity > 0 {
			opts.Gossip.SeenCapacity = fc.Gossip.SeenCapacity
		}
		if fc.Gossip.MaxMessageAge > 0 {
			opts.Gossip.MaxMessageAge = fc.Gossip.MaxMessageAge
		}
		if fc.Gossip.SyncInterval > 0 {
			opts.Gossip.SyncInterval = fc.Gossip.SyncInterval
		}
	}
	return opts
}
