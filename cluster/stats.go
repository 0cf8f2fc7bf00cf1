package cluster

import (
	"sync/atomic"

	tt "github.com/unkn0wn-root/shardtt"
)

type counters struct {
	remoteProbes  atomic.Uint64
	remoteHits    atomic.Uint64
	cacheHits     atomic.Uint64
	fetchErrors   atomic.Uint64
	refMismatches atomic.Uint64
	throttled     atomic.Uint64
	staged        atomic.Uint64
	sent          atomic.Uint64
	dropped       atomic.Uint64
	detached      atomic.Uint64
	rejected      atomic.Uint64
	mergeRounds   atomic.Uint64
	mergePasses   atomic.Uint64
}

// Stats is a snapshot of a node's counters. Writes count cluster items, not
// individual entries.
type Stats struct {
	Table tt.Stats

	RemoteProbes  uint64
	RemoteHits    uint64
	CacheHits     uint64
	FetchErrors   uint64
	RefMismatches uint64
	Throttled     uint64

	WritesStaged   uint64
	WritesSent     uint64
	WritesDropped  uint64
	WritesDetached uint64
	WritesRejected uint64
	WritesPending  int

	MergeRounds uint64
	MergePasses uint64
}

func (n *Node) Stats() Stats {
	return Stats{
		Table:          n.store.Stats(),
		RemoteProbes:   n.counters.remoteProbes.Load(),
		RemoteHits:     n.counters.remoteHits.Load(),
		CacheHits:      n.counters.cacheHits.Load(),
		FetchErrors:    n.counters.fetchErrors.Load(),
		RefMismatches:  n.counters.refMismatches.Load(),
		Throttled:      n.counters.throttled.Load(),
		WritesStaged:   n.counters.staged.Load(),
		WritesSent:     n.counters.sent.Load(),
		WritesDropped:  n.counters.dropped.Load() + n.wbuf.droppedCount(),
		WritesDetached: n.counters.detached.Load(),
		WritesRejected: n.counters.rejected.Load(),
		WritesPending:  n.wbuf.size(),
		MergeRounds:    n.counters.mergeRounds.Load(),
		MergePasses:    n.counters.mergePasses.Load(),
	}
}
