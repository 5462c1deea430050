// Command ccbtd is the BitTorrent daemon process: it loads configuration,
// restores any checkpointed torrents, binds the peer-wire listener and the
// local IPC control server, and runs until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/config"
	"github.com/ccBitTorrent/ccbt-sub001/internal/daemon"
	"github.com/ccBitTorrent/ccbt-sub001/internal/dht"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ipc"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/nat"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
	"github.com/ccBitTorrent/ccbt-sub001/internal/security"
	"github.com/ccBitTorrent/ccbt-sub001/internal/session"
	"github.com/ccBitTorrent/ccbt-sub001/internal/statemgr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
	"github.com/ccBitTorrent/ccbt-sub001/internal/trackerhttp"
	"github.com/ccBitTorrent/ccbt-sub001/internal/trackerudp"
)

const checkpointInterval = 2 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to the ccbtd config file")
	ipcAddr := flag.String("ipc-addr", "127.0.0.1:10851", "local IPC server listen address")
	flag.Parse()

	if err := run(*configPath, *ipcAddr); err != nil {
		log.Printf("[ccbtd] fatal: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case ccerr.Is(err, ccerr.KindValidation):
		return 2
	case ccerr.Is(err, ccerr.KindResource):
		return 4
	case ccerr.Is(err, ccerr.KindSecurity):
		return 5
	default:
		return 1
	}
}

func run(configPath, ipcAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ccerr.Validation("main.run", err)
	}
	logSystemInfo()

	sup := daemon.New(cfg.Daemon.StateDir)
	if err := sup.AcquireSingleInstance(); err != nil {
		return err
	}
	defer sup.Release()

	identity, err := security.LoadOrCreate(filepath.Join(cfg.Daemon.StateDir, "keys"))
	if err != nil {
		return err
	}
	log.Printf("[ccbtd] identity %s", identity.PublicKeyHex())

	peerID := generatePeerID()

	natMgr, err := nat.NewManager(context.Background(), cfg.NAT.EnableUPnP, cfg.NAT.EnableNATPMP, cfg.NAT.LeaseDuration)
	if err != nil {
		log.Printf("[ccbtd] NAT traversal unavailable: %v", err)
		natMgr = nil
	}
	externalPort := uint16(cfg.Network.ListenPort)
	if natMgr != nil && cfg.NAT.AutoMapPorts {
		if p, err := natMgr.MapPort("tcp", cfg.Network.ListenPort); err == nil {
			externalPort = uint16(p)
		}
	}

	var dhtNode *dht.Node
	if cfg.Discovery.EnableDHT {
		n, err := dht.NewNode(fmt.Sprintf(":%d", cfg.Discovery.DHTPort), dht.NodeID(peerID))
		if err != nil {
			log.Printf("[ccbtd] DHT disabled: %v", err)
		} else {
			dhtNode = n
		}
	}

	udpTracker, err := trackerudp.NewClient(fmt.Sprintf(":%d", 0))
	if err != nil {
		log.Printf("[ccbtd] UDP tracker client unavailable: %v", err)
	}
	httpTracker := trackerhttp.NewClient()

	mgr := session.New(session.Config{
		PeerID: peerID,
		MaxGlobalPeers: cfg.Network.MaxGlobalPeers,
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		ConnectionTimeout: cfg.Network.ConnectionTimeout,
		GlobalDownKiB: cfg.Limits.GlobalDownKiB,
		GlobalUpKiB: cfg.Limits.GlobalUpKiB,
		IPFilterCIDRs: cfg.Security.IPFilter,
		NAT: natMgr,
	})
	if err := mgr.Listen(fmt.Sprintf(":%d", cfg.Network.ListenPort)); err != nil {
		return err
	}

	states := statemgr.NewManager(cfg.Daemon.StateDir)

	sessionDeps := torrentsession.Deps{
		PeerID: peerID,
		DownloadDir: cfg.Disk.DownloadDir,
		ExternalPort: externalPort,
		UDPTracker: udpTracker,
		HTTPTracker: httpTracker,
		DHT: dhtNode,
		RateLimits: mgr.RateLimits(),
		GlobalMaxPeers: cfg.Network.MaxGlobalPeers,
		StreamingWindow: cfg.Strategy.StreamingWindow,
		EndgameThreshold: cfg.Strategy.EndgameThreshold,
		VerifyOnStart: cfg.Disk.VerifyPiecesOnStart,
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
	}

	restoreCheckpoint(states, mgr, sessionDeps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ipcSrv := ipc.NewServer(ipc.Deps{
		Manager: mgr,
		States: states,
		Identity: identity,
		APIKey: cfg.Security.APIKey,
		RequireSignedIPC: cfg.Security.RequireSignedIPC,
		ReplayWindow: cfg.Security.ReplayWindow,
		NewFromMetaInfo: func(mi *metainfo.MetaInfo) (*torrentsession.Session, error) { return torrentsession.NewFromMetaInfo(sessionDeps, mi) },
		NewFromMagnet: func(mg *metainfo.Magnet) *torrentsession.Session { return torrentsession.NewFromMagnet(sessionDeps, mg) },
		RequestShutdown: cancel,
		RequestCheckpoint: func() error { return checkpoint(states, mgr) },
	})

	go func() {
		if err := ipcSrv.Start(ipcAddr, nil); err != nil {
			log.Printf("[ccbtd] ipc server stopped: %v", err)
		}
	}()

	if err := sup.ProbeReadiness(ipcAddr); err != nil {
		return err
	}
	if err := sup.WritePID(); err != nil {
		return err
	}
	log.Printf("[ccbtd] ready, ipc=%s peers=%s", ipcAddr, mgr.Addr())

	watcher, err := daemon.WatchConfig(configPath, cfg, func(next *config.Config, diff config.Diff) {
			if diff.RequiresRestart {
				log.Printf("[ccbtd] config change requires restart: %v", diff.Changed)
				return
			}
			mgr.ApplyHotReload(next.Network.MaxGlobalPeers, next.Security.IPFilter)
	})
	if err != nil {
		log.Printf("[ccbtd] config hot-reload watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	go mgr.Serve(ctx)
	go checkpointLoop(ctx, states, mgr)

	sig := sup.WaitForShutdown(ctx)
	log.Printf("[ccbtd] shutting down (signal=%v)", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
	defer shutdownCancel()
	_ = ipcSrv.Shutdown(shutdownCtx)

	mgr.Shutdown()
	if natMgr != nil {
		natMgr.Close()
	}
	if dhtNode != nil {
		dhtNode.Close()
	}
	checkpoint(states, mgr)
	return nil
}

func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-CB0001-")
	u := uuid.New()
	copy(id[8:], u[:12])
	return id
}

func restoreCheckpoint(states *statemgr.Manager, mgr *session.Manager, deps torrentsession.Deps) {
	state, err := states.Load()
	if err != nil {
		log.Printf("[ccbtd] no prior checkpoint: %v", err)
		return
	}
	for hash, ts := range state.Torrents {
		var restored *torrentsession.Session
		switch {
		case ts.MetaInfoPath != "":
			mi, err := loadMetaInfoFile(ts.MetaInfoPath)
			if err != nil {
				log.Printf("[ccbtd] restoring %s: %v", hash, err)
				continue
			}
			restored, err = torrentsession.NewFromMetaInfo(deps, mi)
			if err != nil {
				log.Printf("[ccbtd] restoring %s: %v", hash, err)
				continue
			}
		case ts.MagnetURI != "":
			mg, err := metainfo.ParseMagnet(ts.MagnetURI)
			if err != nil {
				log.Printf("[ccbtd] restoring %s: %v", hash, err)
				continue
			}
			restored = torrentsession.NewFromMagnet(deps, mg)
		default:
			continue
		}
		if err := restored.Restore(ts.Snapshot); err != nil {
			log.Printf("[ccbtd] restoring snapshot for %s: %v", hash, err)
		}
		applyOptionRecords(restored, ts.Options)
		mgr.Add(restored)
	}
	log.Printf("[ccbtd] restored %d torrents from checkpoint", len(state.Torrents))
}

func loadMetaInfoFile(path string) (*metainfo.MetaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ccerr.Disk("main.loadMetaInfoFile", err)
	}
	defer f.Close()
	return metainfo.Parse(f)
}

func checkpointLoop(ctx context.Context, states *statemgr.Manager, mgr *session.Manager) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkpoint(states, mgr); err != nil {
				log.Printf("[ccbtd] checkpoint: %v", err)
			}
		}
	}
}

func checkpoint(states *statemgr.Manager, mgr *session.Manager) error {
	doc := statemgr.New()
	for _, ts := range mgr.List() {
		snap, err := ts.Snapshot()
		if err != nil {
			log.Printf("[ccbtd] snapshotting %s: %v", ts.InfoHash(), err)
			continue
		}
		doc.Torrents[ts.InfoHash().String()] = statemgr.TorrentState{
			Snapshot: snap,
			Options: toOptionRecords(ts.Options()),
		}
	}
	return states.Save(doc)
}

// toOptionRecords flattens a session's current overrides into the
// discriminant-tagged form statemgr persists (gob can't round-trip the
// bare Option interface).
func toOptionRecords(ov torrentsession.OptionsView) []statemgr.OptionRecord {
	recs := []statemgr.OptionRecord{
		{Kind: "piece_selection", Int: int(ov.PieceSelection)},
		{Kind: "streaming_mode", Bool: ov.StreamingMode},
		{Kind: "max_peers", Int: int(ov.MaxPeers)},
	}
	if ov.DownKiB != 0 || ov.UpKiB != 0 {
		recs = append(recs, statemgr.OptionRecord{Kind: "rate_limit", Down: ov.DownKiB, Up: ov.UpKiB})
	}
	for fileIndex, level := range ov.Priorities {
		recs = append(recs, statemgr.OptionRecord{Kind: "priority", Int: fileIndex, Down: uint32(level)})
	}
	return recs
}

// applyOptionRecords restores a checkpointed session's per-torrent
// overrides by replaying each record through the same SetOption path a
// live IPC config-write would use.
func applyOptionRecords(ts *torrentsession.Session, recs []statemgr.OptionRecord) {
	for _, rec := range recs {
		var opt torrentsession.Option
		switch rec.Kind {
		case "piece_selection":
			opt = torrentsession.PieceSelection(rec.Int)
		case "streaming_mode":
			opt = torrentsession.StreamingMode(rec.Bool)
		case "max_peers":
			opt = torrentsession.MaxPeers(uint32(rec.Int))
		case "rate_limit":
			opt = torrentsession.RateLimit{DownKiB: rec.Down, UpKiB: rec.Up}
		case "priority":
			opt = torrentsession.Priority{FileIndex: rec.Int, Level: picker.Priority(rec.Down)}
		default:
			continue
		}
		if err := ts.SetOption(opt); err != nil {
			log.Printf("[ccbtd] reapplying option %s: %v", rec.Kind, err)
		}
	}
}

// logSystemInfo reports host resources at startup so operators can sanity
// check ulimits against max_global_peers before the daemon refuses
// connections.
func logSystemInfo() {
	if counts, err := cpu.Counts(true); err == nil {
		if vm, err := mem.VirtualMemory(); err == nil {
			log.Printf("[ccbtd] host: %d logical CPUs, %d MiB RAM available", counts, vm.Available/(1024*1024))
			return
		}
	}
	log.Printf("[ccbtd] host resource probe unavailable")
}

