package cluster

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects how keys are mapped onto ranks.
type Mode uint8

const (
	// ModeSharded stores each key only on its owner rank; other ranks reach
	// it through remote fetch and staged writes.
	ModeSharded Mode = iota
	// ModeReplicated keeps a full table on every rank and relies on the
	// merge loop alone to share results.
	ModeReplicated
)

func (m Mode) String() string {
	switch m {
	case ModeSharded:
		return "sharded"
	case ModeReplicated:
		return "replicated"
	}
	return fmt.Sprintf("mode(%d)", m)
}

// WriteMode selects how saves to foreign keys reach their owner.
type WriteMode uint8

const (
	WriteBuffered WriteMode = iota
	WriteImmediate
)

// DropPolicy decides what a saturated write buffer sheds.
type DropPolicy uint8

const (
	DropOldest DropPolicy = iota
	DropNewest
)

type Security struct {
	AuthToken            string
	MaxFrameSize         int
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	MaxInflightPerPeer   int
	CompressionThreshold int
	ReadBufSize          int
	WriteBufSize         int
}

type Config struct {
	// Rank is this process's index into Peers. Rank and Peers come from the
	// process launcher; the table does not discover membership.
	Rank     int
	Peers    []string
	BindAddr string
	HashMB   int
	Mode     Mode
	Router   Router

	WriteMode       WriteMode
	WriteBufferSize int
	WriteDrop       DropPolicy
	// ShutdownFlush bounds the final flush performed by Stop.
	ShutdownFlush time.Duration

	// ReadCacheSets of zero disables the remote read cache.
	ReadCacheSets             int
	ReadCacheWays             int
	ReadCacheFlushOnNewSearch bool
	FetchQPS                  int

	MergeBatch         int
	MergeBatchesPerSec float64
	// MergeRoundTimeout of zero waits for every rank indefinitely.
	MergeRoundTimeout time.Duration

	PerConnWorkers int
	PerConnQueue   int
	Sec            Security

	Logger *zerolog.Logger
}

func Default() Config {
	return Config{
		BindAddr:                  ":7070",
		HashMB:                    16,
		Mode:                      ModeSharded,
		Router:                    DefaultRouter(),
		WriteMode:                 WriteBuffered,
		WriteBufferSize:           64,
		WriteDrop:                 DropOldest,
		ShutdownFlush:             2 * time.Second,
		ReadCacheSets:             4096,
		ReadCacheWays:             4,
		ReadCacheFlushOnNewSearch: true,
		MergeBatch:                256,
		PerConnWorkers:            16,
		PerConnQueue:              64,
		Sec: Security{
			MaxFrameSize:         16 << 20,
			MaxInflightPerPeer:   1024,
			CompressionThreshold: 4 << 10,
			ReadBufSize:          64 << 10,
			WriteBufSize:         64 << 10,
		},
	}
}

// FillDefaults replaces unset fields with the values from Default.
func (c *Config) FillDefaults() {
	d := Default()
	if c.HashMB <= 0 {
		c.HashMB = d.HashMB
	}
	if c.Router == nil {
		c.Router = d.Router
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.ReadCacheWays <= 0 {
		c.ReadCacheWays = d.ReadCacheWays
	}
	if c.MergeBatch <= 0 {
		c.MergeBatch = d.MergeBatch
	}
	if c.ShutdownFlush <= 0 {
		c.ShutdownFlush = d.ShutdownFlush
	}
	if c.PerConnWorkers <= 0 {
		c.PerConnWorkers = d.PerConnWorkers
	}
	if c.PerConnQueue <= 0 {
		c.PerConnQueue = c.PerConnWorkers * 2
	}
	if c.Sec.MaxFrameSize <= 0 {
		c.Sec.MaxFrameSize = d.Sec.MaxFrameSize
	}
	if c.Sec.MaxInflightPerPeer <= 0 {
		c.Sec.MaxInflightPerPeer = d.Sec.MaxInflightPerPeer
	}
	if c.Sec.ReadBufSize <= 0 {
		c.Sec.ReadBufSize = d.Sec.ReadBufSize
	}
	if c.Sec.WriteBufSize <= 0 {
		c.Sec.WriteBufSize = d.Sec.WriteBufSize
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// WorldSize is the number of ranks.
func (c *Config) WorldSize() int {
	if len(c.Peers) == 0 {
		return 1
	}
	return len(c.Peers)
}

func (c *Config) validate() error {
	w := c.WorldSize()
	if c.Rank < 0 || c.Rank >= w {
		return fmt.Errorf("%w: rank %d outside world of %d", ErrBadConfig, c.Rank, w)
	}
	if c.MergeBatch <= 0 {
		return fmt.Errorf("%w: merge batch %d", ErrBadConfig, c.MergeBatch)
	}
	return nil
}
