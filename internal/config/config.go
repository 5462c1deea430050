// Package config holds the daemon's typed, immutable configuration snapshot
// and the key=value file + CCBT_<SECTION>_<FIELD> environment-variable
// loader. It also implements the hot-reload-vs-restart classification used
// when a config file changes underneath a running daemon.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Daemon groups the supervisor's own operational knobs.
type Daemon struct {
	StateDir string
	LogLevel string
	ShutdownTimeout time.Duration
}

// Disk groups storage layout and verification knobs.
type Disk struct {
	DownloadDir string
	PieceHashWorkers int
	VerifyPiecesOnStart int // --verify-pieces N
	PreallocateSparse bool
}

// Network groups the session manager's listening socket and global peer
// bounds.
type Network struct {
	ListenPort int
	EnableTCP bool
	MaxGlobalPeers int
	ConnectionTimeout time.Duration
	HandshakeTimeout time.Duration
}

// Discovery groups tracker/DHT announce cadence knobs.
type Discovery struct {
	EnableDHT bool
	DHTPort int
	LowWatermark int
	AnnounceJitter float64 // fraction, e.g. 0.10 for ±10%
}

// NAT groups port-mapping knobs.
type NAT struct {
	AutoMapPorts bool
	EnableUPnP bool
	EnableNATPMP bool
	LeaseDuration time.Duration
}

// Queue groups concurrency bounds across torrents.
type Queue struct {
	MaxConcurrentDownloads int
	MaxConcurrentSeeds int
}

// Proxy groups outbound proxy settings for tracker/peer connections.
type Proxy struct {
	Enabled bool
	URL string
}

// Observability is a contract-only collaborator: we carry its
// config shape but never implement an exporter ourselves.
type Observability struct {
	MetricsAddr string
}

// Strategy groups per-session default piece-selection behavior.
type Strategy struct {
	PieceSelection string // "rarest_first" | "sequential" | "streaming"
	StreamingWindow int
	EndgameThreshold int
}

// Security groups the Ed25519/IPC-auth and ip-filter knobs.
type Security struct {
	IPFilter []string // CIDR deny-list, backs the peer-level Bloom filter
	RequireSignedIPC bool
	ReplayWindow time.Duration
	APIKey string
}

// ML is a contract-only collaborator placeholder; no module implements it.
type ML struct {
	Enabled bool
}

// Dashboard is a contract-only collaborator: the web dashboard
// renders status records we produce, nothing more.
type Dashboard struct {
	Enabled bool
	Addr string
}

// IPFS is a contract-only collaborator placeholder for future content-addressed
// fetch backends; no module implements it.
type IPFS struct {
	Enabled bool
	Gateway string
}

// WebTorrent is a contract-only collaborator placeholder for a WebRTC/WS
// transport; no module implements it.
type WebTorrent struct {
	Enabled bool
}

// Limits groups the global leaky-bucket rate caps.
type Limits struct {
	GlobalDownKiB int
	GlobalUpKiB int
}

// Config is the immutable configuration snapshot. It is created once per
// process and swapped atomically under the reload policy.
type Config struct {
	Daemon Daemon
	Disk Disk
	Network Network
	Discovery Discovery
	NAT NAT
	Queue Queue
	Proxy Proxy
	Observability Observability
	Strategy Strategy
	Security Security
	ML ML
	Dashboard Dashboard
	IPFS IPFS
	WebTorrent WebTorrent
	Limits Limits
}

// Default returns the baseline configuration before any file/env overrides.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	appDir := filepath.Join(home, ".ccbt")
	return &Config{
		Daemon: Daemon{
			StateDir: filepath.Join(appDir, "daemon"),
			LogLevel: "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Disk: Disk{
			DownloadDir: filepath.Join(appDir, "downloads"),
			PieceHashWorkers: 0, // 0 = auto (CPU count), resolved at Load
			VerifyPiecesOnStart: 0,
			PreallocateSparse: true,
		},
		Network: Network{
			ListenPort: 6881,
			EnableTCP: true,
			MaxGlobalPeers: 200,
			ConnectionTimeout: 15 * time.Second,
			HandshakeTimeout: 30 * time.Second,
		},
		Discovery: Discovery{
			EnableDHT: true,
			DHTPort: 6881,
			LowWatermark: 20,
			AnnounceJitter: 0.10,
		},
		NAT: NAT{
			AutoMapPorts: true,
			EnableUPnP: true,
			EnableNATPMP: true,
			LeaseDuration: 30 * time.Minute,
		},
		Queue: Queue{
			MaxConcurrentDownloads: 5,
			MaxConcurrentSeeds: 10,
		},
		Proxy: Proxy{},
		Observability: Observability{
			MetricsAddr: "",
		},
		Strategy: Strategy{
			PieceSelection: "rarest_first",
			StreamingWindow: 8,
			EndgameThreshold: 5,
		},
		Security: Security{
			RequireSignedIPC: true,
			ReplayWindow: 5 * time.Minute,
		},
		ML: ML{},
		Dashboard: Dashboard{Addr: "127.0.0.1:10858"},
		IPFS: IPFS{},
		WebTorrent: WebTorrent{},
		Limits: Limits{
			GlobalDownKiB: 0, // 0 = unlimited
			GlobalUpKiB: 0,
		},
	}
}

// Load builds a Config from defaults, a key=value file (if configPath is
// non-empty and exists), and CCBT_<SECTION>_<FIELD> environment overrides,
// in that precedence order.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}
	cfg.loadFromEnv()
	cfg.expandPaths()

	if cfg.Disk.PieceHashWorkers <= 0 {
		cfg.Disk.PieceHashWorkers = defaultWorkerCount()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandPaths resolves directory fields to absolute paths.
func (cfg *Config) expandPaths() {
	if abs, err := filepath.Abs(cfg.Daemon.StateDir); err == nil {
		cfg.Daemon.StateDir = abs
	}
	if abs, err := filepath.Abs(cfg.Disk.DownloadDir); err == nil {
		cfg.Disk.DownloadDir = abs
	}
}

// Validate checks the numeric-range and path invariants of cfg.
func (cfg *Config) Validate() error {
	checkPort := func(name string, p int) error {
		if p != 0 && (p < 1 || p > 65535) {
			return fmt.Errorf("config: %s=%d out of range 1..65535", name, p)
		}
		return nil
	}
	if err := checkPort("network.listen_port", cfg.Network.ListenPort); err != nil {
		return err
	}
	if err := checkPort("discovery.dht_port", cfg.Discovery.DHTPort); err != nil {
		return err
	}
	if cfg.Network.MaxGlobalPeers <= 0 {
		return fmt.Errorf("config: network.max_global_peers must be positive")
	}
	if cfg.Queue.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("config: queue.max_concurrent_downloads must be positive")
	}
	switch cfg.Strategy.PieceSelection {
	case "rarest_first", "sequential", "streaming":
	default:
		return fmt.Errorf("config: strategy.piece_selection %q not one of rarest_first|sequential|streaming", cfg.Strategy.PieceSelection)
	}
	if !filepath.IsAbs(cfg.Daemon.StateDir) {
		return fmt.Errorf("config: daemon.state_dir must be absolute")
	}
	if !filepath.IsAbs(cfg.Disk.DownloadDir) {
		return fmt.Errorf("config: disk.download_dir must be absolute")
	}
	return nil
}

func defaultWorkerCount() int {
	n := numCPU()
	if n < 1 {
		n = 1
	}
	const maxWorkers = 16
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// loadFromFile reads "section.field = value" key=value pairs, one per line.
func (cfg *Config) loadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		cfg.setField(key, value)
	}
	return scanner.Err()
}

// loadFromEnv applies CCBT_<SECTION>_<FIELD> overrides.
func (cfg *Config) loadFromEnv() {
	const prefix = "CCBT_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		key = strings.Replace(key, "_", ".", 1) // first underscore separates section from field
		cfg.setField(key, parts[1])
	}
}

// setField applies a single "section.field" = value pair to cfg. Unknown
// keys are ignored (forward-compatible with future config file additions).
func (cfg *Config) setField(key, value string) {
	b := func() bool { return value == "true" || value == "1" || value == "yes" }
	i := func() int { n, _ := strconv.Atoi(value); return n }
	d := func() time.Duration { dur, _ := time.ParseDuration(value); return dur }
	f := func() float64 { x, _ := strconv.ParseFloat(value, 64); return x }

	switch key {
	case "daemon.state_dir":
		cfg.Daemon.StateDir = value
	case "daemon.log_level":
		cfg.Daemon.LogLevel = value
	case "daemon.shutdown_timeout":
		cfg.Daemon.ShutdownTimeout = d()
	case "disk.download_dir":
		cfg.Disk.DownloadDir = value
	case "disk.piece_hash_workers":
		cfg.Disk.PieceHashWorkers = i()
	case "disk.verify_pieces_on_start":
		cfg.Disk.VerifyPiecesOnStart = i()
	case "disk.preallocate_sparse":
		cfg.Disk.PreallocateSparse = b()
	case "network.listen_port":
		cfg.Network.ListenPort = i()
	case "network.enable_tcp":
		cfg.Network.EnableTCP = b()
	case "network.max_global_peers":
		cfg.Network.MaxGlobalPeers = i()
	case "network.connection_timeout":
		cfg.Network.ConnectionTimeout = d()
	case "network.handshake_timeout":
		cfg.Network.HandshakeTimeout = d()
	case "discovery.enable_dht":
		cfg.Discovery.EnableDHT = b()
	case "discovery.dht_port":
		cfg.Discovery.DHTPort = i()
	case "discovery.low_watermark":
		cfg.Discovery.LowWatermark = i()
	case "discovery.announce_jitter":
		cfg.Discovery.AnnounceJitter = f()
	case "nat.auto_map_ports":
		cfg.NAT.AutoMapPorts = b()
	case "nat.enable_upnp":
		cfg.NAT.EnableUPnP = b()
	case "nat.enable_nat_pmp":
		cfg.NAT.EnableNATPMP = b()
	case "nat.lease_duration":
		cfg.NAT.LeaseDuration = d()
	case "queue.max_concurrent_downloads":
		cfg.Queue.MaxConcurrentDownloads = i()
	case "queue.max_concurrent_seeds":
		cfg.Queue.MaxConcurrentSeeds = i()
	case "proxy.enabled":
		cfg.Proxy.Enabled = b()
	case "proxy.url":
		cfg.Proxy.URL = value
	case "observability.metrics_addr":
		cfg.Observability.MetricsAddr = value
	case "strategy.piece_selection":
		cfg.Strategy.PieceSelection = value
	case "strategy.streaming_window":
		cfg.Strategy.StreamingWindow = i()
	case "strategy.endgame_threshold":
		cfg.Strategy.EndgameThreshold = i()
	case "security.ip_filter":
		cfg.Security.IPFilter = strings.Split(value, ",")
	case "security.require_signed_ipc":
		cfg.Security.RequireSignedIPC = b()
	case "security.replay_window":
		cfg.Security.ReplayWindow = d()
	case "security.api_key":
		cfg.Security.APIKey = value
	case "ml.enabled":
		cfg.ML.Enabled = b()
	case "dashboard.enabled":
		cfg.Dashboard.Enabled = b()
	case "dashboard.addr":
		cfg.Dashboard.Addr = value
	case "ipfs.enabled":
		cfg.IPFS.Enabled = b()
	case "ipfs.gateway":
		cfg.IPFS.Gateway = value
	case "webtorrent.enabled":
		cfg.WebTorrent.Enabled = b()
	case "limits.global_down_kib":
		cfg.Limits.GlobalDownKiB = i()
	case "limits.global_up_kib":
		cfg.Limits.GlobalUpKiB = i()
	}
}
