package cluster

import (
	"fmt"

	tt "github.com/unkn0wn-root/shardtt"
)

// CBOR-based wire protocol: frames carry a CBOR-encoded Base{T,ID} header
// followed by message-specific fields. Clusters travel as their fixed 32-byte
// record inside byte strings; merge payloads may be zstd-compressed (Cp=true).

type MsgType uint8

const (
	MTHello MsgType = iota + 1
	MTHelloResp
	MTGetCluster
	MTGetClusterResp
	MTPutClusters
	MTPutClustersResp
	MTMergeBatch
	MTMergeBatchResp
)

type Base struct {
	T  MsgType `cbor:"t"`
	ID uint64  `cbor:"id"`
}

type MsgHello struct {
	Base
	Rank        int    `cbor:"r"`
	World       int    `cbor:"w"`
	Incarnation string `cbor:"inc"`
	Token       string `cbor:"tok"`
}
type MsgHelloResp struct {
	Base
	OK          bool   `cbor:"ok"`
	Rank        int    `cbor:"r"`
	Incarnation string `cbor:"inc"`
	Err         string `cbor:"err,omitempty"`
}

type MsgGetCluster struct {
	Base
	Index uint64 `cbor:"i"`
}
type MsgGetClusterResp struct {
	Base
	Found   bool   `cbor:"f"`
	Cluster []byte `cbor:"c"`
	Usage   uint32 `cbor:"u"`
	Err     string `cbor:"err,omitempty"`
}

// PutItem is one remote write: the slots of Cluster selected by Mask are
// copied into the owner's cluster at Index.
type PutItem struct {
	Index   uint64 `cbor:"i"`
	Cluster []byte `cbor:"c"`
	Mask    uint8  `cbor:"m"`
}
type MsgPutClusters struct {
	Base
	From  int       `cbor:"f"`
	Items []PutItem `cbor:"items"`
}
type MsgPutClustersResp struct {
	Base
	OK       bool   `cbor:"ok"`
	Applied  int    `cbor:"a"`
	Rejected int    `cbor:"rj"`
	Err      string `cbor:"err,omitempty"`
}

// MsgMergeBatch is one rank's contribution to a merge round: Count clusters
// starting at Start out of a table of Total clusters.
type MsgMergeBatch struct {
	Base
	From    int      `cbor:"f"`
	Round   uint64   `cbor:"rd"`
	Start   uint64   `cbor:"s"`
	Count   int      `cbor:"n"`
	Total   uint64   `cbor:"tot"`
	Stop    bool     `cbor:"stop"`
	Payload []byte   `cbor:"p"`
	Cp      bool     `cbor:"cp"`
	Usage   []uint32 `cbor:"u"`
}
type MsgMergeBatchResp struct {
	Base
	Round   uint64   `cbor:"rd"`
	Stop    bool     `cbor:"stop"`
	Payload []byte   `cbor:"p"`
	Cp      bool     `cbor:"cp"`
	Usage   []uint32 `cbor:"u"`
	Err     string   `cbor:"err,omitempty"`
}

// encodeClusters concatenates the fixed records of cs.
func encodeClusters(cs []tt.Cluster) []byte {
	b := make([]byte, 0, len(cs)*tt.ClusterBytes)
	for i := range cs {
		b = cs[i].AppendBinary(b)
	}
	return b
}

// decodeClusters splits b into exactly n fixed records.
func decodeClusters(b []byte, n int) ([]tt.Cluster, error) {
	if len(b) != n*tt.ClusterBytes {
		return nil, fmt.Errorf("%w: %d bytes for %d clusters", ErrBadPeer, len(b), n)
	}
	out := make([]tt.Cluster, n)
	for i := range out {
		o := i * tt.ClusterBytes
		if err := out[i].UnmarshalBinary(b[o : o+tt.ClusterBytes]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
