package main

import (
	"context"
	"errors"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	tt "github.com/unkn0wn-root/shardtt"
	"github.com/unkn0wn-root/shardtt/cluster"
	"github.com/unkn0wn-root/shardtt/internal/logx"
)

func main() {
	var (
		rank  = flag.Int("rank", 0, "rank of this process (0..len(peers)-1)")
		peers = flag.String("peers", "", "comma-separated host:port of every rank, in rank order")
		bind  = flag.String("bind", "", "listen address (default: this rank's entry in -peers)")
		hash  = flag.Int("hash", 16, "table size in MB")
		mode  = flag.String("mode", "sharded", "sharded|replicated")

		// routing
		router = flag.String("router", "slice", "slice|rendezvous")
		source = flag.String("source", "aux", "routing hash: aux|pawn|material|primary")
		shift  = flag.Uint("shift", 0, "slice router: first bit")
		nbits  = flag.Uint("bits", 16, "slice router: bit count (0=all)")

		// remote access
		writeMode = flag.String("write", "buffered", "buffered|immediate")
		wbuf      = flag.Int("wbuf", 64, "write buffer capacity")
		drop      = flag.String("drop", "oldest", "drop policy when the write buffer saturates: oldest|newest")
		rcSets    = flag.Int("rcache-sets", 4096, "remote read cache sets (0=off)")
		rcWays    = flag.Int("rcache-ways", 4, "remote read cache ways")
		fetchQPS  = flag.Int("fetch-qps", 0, "remote fetch cap per second (0=unlimited)")
		shutdown  = flag.Duration("shutdown-flush", 2*time.Second, "final flush budget")

		// merge
		merge        = flag.Bool("merge", false, "run the merge loop")
		mergeBatch   = flag.Int("merge-batch", 256, "clusters per merge round")
		mergeRate    = flag.Float64("merge-rate", 0, "merge rounds per second (0=unpaced)")
		mergeTimeout = flag.Duration("merge-timeout", 0, "merge round timeout (0=wait forever)")

		// security & limits
		authTok  = flag.String("auth", "", "optional shared token for peer handshake")
		maxFrame = flag.Int("maxframe", 16<<20, "max frame bytes")
		readTO   = flag.Duration("readto", 0, "read timeout per frame (0=off)")
		writeTO  = flag.Duration("writeto", 0, "write timeout per frame (0=off)")
		idleTO   = flag.Duration("idleto", 0, "idle timeout (0=off)")
		inflight = flag.Int("inflight", 1024, "max inflight per peer")
		compThr  = flag.Int("comp", 4<<10, "merge payload compression threshold (0=off)")

		// cluster execution
		connWorkers = flag.Int("conn-workers", 16, "per-connection worker goroutines")
		connQueue   = flag.Int("conn-queue", 64, "per-connection inbound queue length")

		// synthetic workload
		searches  = flag.Int("searches", 4, "synthetic searches to run (0=serve only)")
		probes    = flag.Int("probes", 200000, "probes per worker per search")
		workers   = flag.Int("workers", 4, "search goroutines")
		positions = flag.Int("positions", 1<<20, "distinct synthetic positions")
		linger    = flag.Bool("linger", true, "keep serving peers after the workload until signalled")

		logLevel = flag.String("log-level", "info", "trace|debug|info|warn|error")
		logJSON  = flag.Bool("log-json", false, "log as JSON instead of console text")
	)
	flag.Parse()

	log, err := logx.NewLogger(*logLevel, *logJSON)
	if err != nil {
		log = zerolog.New(os.Stderr)
		log.Fatal().Err(err).Msg("logger")
	}

	cfg := cluster.Default()
	cfg.Rank = *rank
	cfg.Peers = splitCSV(*peers)
	cfg.BindAddr = *bind
	if cfg.BindAddr == "" && *rank < len(cfg.Peers) {
		cfg.BindAddr = cfg.Peers[*rank]
	}
	cfg.HashMB = *hash

	switch strings.ToLower(*mode) {
	case "sharded":
		cfg.Mode = cluster.ModeSharded
	case "replicated":
		cfg.Mode = cluster.ModeReplicated
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	src := cluster.SourceAux
	switch strings.ToLower(*source) {
	case "aux":
	case "pawn":
		src = cluster.SourcePawn
	case "material":
		src = cluster.SourceMaterial
	case "primary":
		src = cluster.SourcePrimary
	default:
		log.Warn().Str("source", *source).Msg("unknown routing source; defaulting to aux")
	}
	switch strings.ToLower(*router) {
	case "slice":
		cfg.Router = cluster.SliceRouter{Source: src, Shift: *shift, Bits: *nbits}
	case "rendezvous":
		cfg.Router = cluster.RendezvousRouter{Source: src}
	default:
		log.Fatal().Str("router", *router).Msg("unknown router")
	}

	switch strings.ToLower(*writeMode) {
	case "buffered":
		cfg.WriteMode = cluster.WriteBuffered
	case "immediate":
		cfg.WriteMode = cluster.WriteImmediate
	default:
		log.Fatal().Str("write", *writeMode).Msg("unknown write mode")
	}
	cfg.WriteBufferSize = *wbuf
	switch strings.ToLower(*drop) {
	case "oldest":
		cfg.WriteDrop = cluster.DropOldest
	case "newest":
		cfg.WriteDrop = cluster.DropNewest
	default:
		log.Warn().Str("drop", *drop).Msg("unknown drop policy; defaulting to oldest")
		cfg.WriteDrop = cluster.DropOldest
	}
	cfg.ShutdownFlush = *shutdown
	cfg.ReadCacheSets = *rcSets
	cfg.ReadCacheWays = *rcWays
	cfg.FetchQPS = *fetchQPS

	cfg.MergeBatch = *mergeBatch
	cfg.MergeBatchesPerSec = *mergeRate
	cfg.MergeRoundTimeout = *mergeTimeout

	cfg.PerConnWorkers = *connWorkers
	cfg.PerConnQueue = *connQueue

	cfg.Sec.AuthToken = *authTok
	cfg.Sec.MaxFrameSize = *maxFrame
	cfg.Sec.ReadTimeout = *readTO
	cfg.Sec.WriteTimeout = *writeTO
	cfg.Sec.IdleTimeout = *idleTO
	cfg.Sec.MaxInflightPerPeer = *inflight
	cfg.Sec.CompressionThreshold = *compThr
	cfg.Logger = &log

	node, err := cluster.NewNode(cfg)
	if err != nil {
		// an unallocatable table leaves nothing to run
		log.Fatal().Err(err).Int("hash_mb", cfg.HashMB).Msg("init")
	}
	if err := node.Start(); err != nil {
		log.Fatal().Err(err).Str("bind", cfg.BindAddr).Msg("start")
	}
	log.Info().
		Str("bind", cfg.BindAddr).
		Stringer("mode", cfg.Mode).
		Bool("merge", *merge).
		Msg("shardtt node up")

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	mergeCtx, stopMerge := context.WithCancel(context.Background())
	var mergeWG sync.WaitGroup
	if *merge {
		mergeWG.Add(1)
		go func() {
			defer mergeWG.Done()
			if err := node.RunMerge(mergeCtx); err != nil && !errors.Is(err, cluster.ErrClosed) {
				log.Error().Err(err).Msg("merge loop ended")
			}
		}()
	}

	w := workload{node: node, positions: *positions, log: log}
	for s := 0; s < *searches && sigCtx.Err() == nil; s++ {
		w.search(sigCtx, *workers, *probes)
	}

	if *linger {
		<-sigCtx.Done()
	}
	log.Info().Msg("shutting down")
	stopMerge()
	mergeWG.Wait()
	node.Stop()
	log.Info().Msg("bye")
}

// workload drives the table the way a search would: probe a position, and
// on a miss store a made-up result for it.
type workload struct {
	node      *cluster.Node
	positions int
	log       zerolog.Logger
}

type position struct {
	key, pawn, material tt.Key
}

func (w *workload) pick(r *rand.Rand) position {
	i := uint64(r.IntN(w.positions))
	// the same seed always yields the same position, so ranks share positions
	pr := rand.New(rand.NewPCG(i, 0x5eed))
	return position{key: tt.Key(pr.Uint64()), pawn: tt.Key(pr.Uint64()), material: tt.Key(pr.Uint64())}
}

func (w *workload) search(ctx context.Context, workers, probes int) {
	gen := w.node.NewSearch()
	start := time.Now()

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w.node.Rank()), uint64(id)))
			for i := 0; i < probes && ctx.Err() == nil; i++ {
				p := w.pick(r)
				h, found := w.node.Probe(ctx, p.key, p.pawn, p.material)
				if found && h.Entry().Depth() >= tt.Depth(r.IntN(20)) {
					continue
				}
				d := tt.Depth(1 + r.IntN(30))
				v := tt.Value(r.IntN(2000) - 1000)
				b := tt.Bound(1 + r.IntN(3))
				m := tt.Move(r.IntN(1 << 16))
				w.node.Save(ctx, h, p.key, v, b, d, m, v, gen)
			}
		}()
	}
	wg.Wait()
	if err := w.node.Flush(ctx); err != nil {
		w.log.Warn().Err(err).Msg("flush after search")
	}

	st := w.node.Stats()
	w.log.Info().
		Uint8("generation", gen).
		Dur("took", time.Since(start)).
		Int("hashfull", st.Table.Hashfull).
		Uint64("probes", st.Table.Probes).
		Uint64("hits", st.Table.Hits).
		Uint64("remote_probes", st.RemoteProbes).
		Uint64("remote_hits", st.RemoteHits).
		Uint64("cache_hits", st.CacheHits).
		Uint64("writes_sent", st.WritesSent).
		Uint64("writes_dropped", st.WritesDropped).
		Msg("search done")
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
