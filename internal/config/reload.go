package config

import "runtime"

func numCPU() int { return runtime.NumCPU() }

// hotReloadableFields lists the dotted field paths allows to be
// applied to a live session manager without restarting the daemon.
var hotReloadableFields = map[string]bool{
	"network.listen_port": true,
	"network.enable_tcp": true,
	"network.max_global_peers": true,
	"network.connection_timeout": true,
	"discovery.enable_dht": true,
	"discovery.dht_port": true,
	"nat.auto_map_ports": true,
	"nat.enable_nat_pmp": true,
	"nat.enable_upnp": true,
	"security.ip_filter": true,
}

// Diff is the set of dotted field paths that changed between two configs.
type Diff struct {
	Changed []string
	RequiresRestart bool
}

// Classify computes the structural diff between old and next and decides
// whether every change is on the hot-reloadable allow-list.
// Any change outside the allow-list forces RequiresRestart.
func Classify(old, next *Config) Diff {
	var d Diff
	compare := func(path string, a, b interface{}) {
		if a != b {
			d.Changed = append(d.Changed, path)
			if !hotReloadableFields[path] {
				d.RequiresRestart = true
			}
		}
	}

	compare("daemon.state_dir", old.Daemon.StateDir, next.Daemon.StateDir)
	compare("daemon.log_level", old.Daemon.LogLevel, next.Daemon.LogLevel)
	compare("daemon.shutdown_timeout", old.Daemon.ShutdownTimeout, next.Daemon.ShutdownTimeout)

	compare("disk.download_dir", old.Disk.DownloadDir, next.Disk.DownloadDir)
	compare("disk.piece_hash_workers", old.Disk.PieceHashWorkers, next.Disk.PieceHashWorkers)
	compare("disk.verify_pieces_on_start", old.Disk.VerifyPiecesOnStart, next.Disk.VerifyPiecesOnStart)
	compare("disk.preallocate_sparse", old.Disk.PreallocateSparse, next.Disk.PreallocateSparse)

	compare("network.listen_port", old.Network.ListenPort, next.Network.ListenPort)
	compare("network.enable_tcp", old.Network.EnableTCP, next.Network.EnableTCP)
	compare("network.max_global_peers", old.Network.MaxGlobalPeers, next.Network.MaxGlobalPeers)
	compare("network.connection_timeout", old.Network.ConnectionTimeout, next.Network.ConnectionTimeout)
	compare("network.handshake_timeout", old.Network.HandshakeTimeout, next.Network.HandshakeTimeout)

	compare("discovery.enable_dht", old.Discovery.EnableDHT, next.Discovery.EnableDHT)
	compare("discovery.dht_port", old.Discovery.DHTPort, next.Discovery.DHTPort)
	compare("discovery.low_watermark", old.Discovery.LowWatermark, next.Discovery.LowWatermark)
	compare("discovery.announce_jitter", old.Discovery.AnnounceJitter, next.Discovery.AnnounceJitter)

	compare("nat.auto_map_ports", old.NAT.AutoMapPorts, next.NAT.AutoMapPorts)
	compare("nat.enable_upnp", old.NAT.EnableUPnP, next.NAT.EnableUPnP)
	compare("nat.enable_nat_pmp", old.NAT.EnableNATPMP, next.NAT.EnableNATPMP)
	compare("nat.lease_duration", old.NAT.LeaseDuration, next.NAT.LeaseDuration)

	compare("queue.max_concurrent_downloads", old.Queue.MaxConcurrentDownloads, next.Queue.MaxConcurrentDownloads)
	compare("queue.max_concurrent_seeds", old.Queue.MaxConcurrentSeeds, next.Queue.MaxConcurrentSeeds)

	compare("proxy.enabled", old.Proxy.Enabled, next.Proxy.Enabled)
	compare("proxy.url", old.Proxy.URL, next.Proxy.URL)

	compare("observability.metrics_addr", old.Observability.MetricsAddr, next.Observability.MetricsAddr)

	compare("strategy.piece_selection", old.Strategy.PieceSelection, next.Strategy.PieceSelection)
	compare("strategy.streaming_window", old.Strategy.StreamingWindow, next.Strategy.StreamingWindow)
	compare("strategy.endgame_threshold", old.Strategy.EndgameThreshold, next.Strategy.EndgameThreshold)

	compare("security.ip_filter", joinCSV(old.Security.IPFilter), joinCSV(next.Security.IPFilter))
	compare("security.require_signed_ipc", old.Security.RequireSignedIPC, next.Security.RequireSignedIPC)
	compare("security.replay_window", old.Security.ReplayWindow, next.Security.ReplayWindow)
	compare("security.api_key", old.Security.APIKey, next.Security.APIKey)

	compare("ml.enabled", old.ML.Enabled, next.ML.Enabled)
	compare("dashboard.enabled", old.Dashboard.Enabled, next.Dashboard.Enabled)
	compare("dashboard.addr", old.Dashboard.Addr, next.Dashboard.Addr)
	compare("ipfs.enabled", old.IPFS.Enabled, next.IPFS.Enabled)
	compare("ipfs.gateway", old.IPFS.Gateway, next.IPFS.Gateway)
	compare("webtorrent.enabled", old.WebTorrent.Enabled, next.WebTorrent.Enabled)

	compare("limits.global_down_kib", old.Limits.GlobalDownKiB, next.Limits.GlobalDownKiB)
	compare("limits.global_up_kib", old.Limits.GlobalUpKiB, next.Limits.GlobalUpKiB)

	return d
}

func joinCSV(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
