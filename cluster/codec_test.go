package cluster

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tt "github.com/unkn0wn-root/shardtt"
)

func TestPayloadCodecRoundTrip(t *testing.T) {
	c, err := newPayloadCodec(64, 1<<20)
	require.NoError(t, err)
	defer c.close()

	in := bytes.Repeat([]byte{0, 0, 0, 1, 2, 3, 0, 0}, 512)
	out, cp := c.compress(in)
	require.True(t, cp)
	assert.Less(t, len(out), len(in))

	back, err := c.decompress(out, cp)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestPayloadCodecBelowThreshold(t *testing.T) {
	c, err := newPayloadCodec(1024, 1<<20)
	require.NoError(t, err)
	defer c.close()

	in := []byte("short payload")
	out, cp := c.compress(in)
	assert.False(t, cp)
	assert.Equal(t, in, out)

	back, err := c.decompress(out, false)
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestPayloadCodecDisabled(t *testing.T) {
	c, err := newPayloadCodec(0, 1<<20)
	require.NoError(t, err)
	defer c.close()

	_, cp := c.compress(make([]byte, 1<<16))
	assert.False(t, cp)
}

func TestPayloadCodecRejectsGarbage(t *testing.T) {
	c, err := newPayloadCodec(64, 1<<20)
	require.NoError(t, err)
	defer c.close()

	_, err = c.decompress([]byte("not a zstd frame"), true)
	assert.Error(t, err)
}

func TestClusterBatchEncoding(t *testing.T) {
	cs := make([]tt.Cluster, 3)
	for i := range cs {
		cs[i].Ref = tt.RefOf(uint64(i))
		cs[i].Entries[i].Save(tt.Key(uint64(0x100+i)<<48), tt.Value(i), tt.BoundLower, tt.Depth(i), tt.Move(i), 0, 4)
	}
	b := encodeClusters(cs)
	require.Len(t, b, 3*tt.ClusterBytes)

	out, err := decodeClusters(b, 3)
	require.NoError(t, err)
	assert.Equal(t, cs, out)

	_, err = decodeClusters(b[:len(b)-1], 3)
	require.ErrorIs(t, err, ErrBadPeer)
	_, err = decodeClusters(b, 2)
	require.ErrorIs(t, err, ErrBadPeer)
}

func TestMessageRoundTripThroughCBOR(t *testing.T) {
	var c tt.Cluster
	c.Ref = tt.RefOf(12)
	c.Entries[2].Save(0x7777<<48|12, -9, tt.BoundUpper, 3, 0x0f0f, 2, 8)

	in := MsgPutClusters{
		Base:  Base{T: MTPutClusters, ID: 42},
		From:  3,
		Items: []PutItem{{Index: 12, Cluster: c.AppendBinary(nil), Mask: 1 << 2}},
	}
	raw, err := cborEnc.Marshal(&in)
	require.NoError(t, err)

	var base Base
	require.NoError(t, cborDec.Unmarshal(raw, &base))
	assert.Equal(t, MTPutClusters, base.T)
	assert.Equal(t, uint64(42), base.ID)

	var out MsgPutClusters
	require.NoError(t, cborDec.Unmarshal(raw, &out))
	require.Len(t, out.Items, 1)

	var got tt.Cluster
	require.NoError(t, got.UnmarshalBinary(out.Items[0].Cluster))
	assert.Equal(t, c, got)
	assert.Equal(t, uint8(4), out.Items[0].Mask)
}
