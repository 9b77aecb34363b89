// Package stats provides periodic CSV logging of transport counters, for
// both the sender and the receiver binaries.
package stats

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Counters holds the atomic counters a binary increments as it runs.
// Reading them (via Snapshot) never races with concurrent increments.
type Counters struct {
	HeadersSent     int64
	DataSent        int64
	FECSent         int64
	BatchesSent     int64
	FramesDecoded   int64
	FramesDropped   int64
	BlocksReceived  int64
	BlocksRecovered int64
}

// Snapshot is a point-in-time, non-atomic copy suitable for formatting.
type Snapshot struct {
	HeadersSent     int64
	DataSent        int64
	FECSent         int64
	BatchesSent     int64
	FramesDecoded   int64
	FramesDropped   int64
	BlocksReceived  int64
	BlocksRecovered int64
}

func (c *Counters) AddHeaderSent()    { atomic.AddInt64(&c.HeadersSent, 1) }
func (c *Counters) AddDataSent()      { atomic.AddInt64(&c.DataSent, 1) }
func (c *Counters) AddFECSent()       { atomic.AddInt64(&c.FECSent, 1) }
func (c *Counters) AddBatchSent()     { atomic.AddInt64(&c.BatchesSent, 1) }
func (c *Counters) AddFrameDecoded()  { atomic.AddInt64(&c.FramesDecoded, 1) }
func (c *Counters) AddFrameDropped()  { atomic.AddInt64(&c.FramesDropped, 1) }
func (c *Counters) AddBlockReceived() { atomic.AddInt64(&c.BlocksReceived, 1) }
func (c *Counters) AddBlockRecovered() { atomic.AddInt64(&c.BlocksRecovered, 1) }

// SetBlocksReceived and SetBlocksRecovered overwrite the running totals.
// The reassembler already tracks these as absolute counts (not per-event
// deltas), so the receiver binary stores a fresh snapshot after each
// capture read rather than calling the Add* counters once per block.
func (c *Counters) SetBlocksReceived(n int64)  { atomic.StoreInt64(&c.BlocksReceived, n) }
func (c *Counters) SetBlocksRecovered(n int64) { atomic.StoreInt64(&c.BlocksRecovered, n) }

// Snapshot reads all counters as a consistent-enough point-in-time copy
// for logging; exact atomicity across fields is not required here.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		HeadersSent:     atomic.LoadInt64(&c.HeadersSent),
		DataSent:        atomic.LoadInt64(&c.DataSent),
		FECSent:         atomic.LoadInt64(&c.FECSent),
		BatchesSent:     atomic.LoadInt64(&c.BatchesSent),
		FramesDecoded:   atomic.LoadInt64(&c.FramesDecoded),
		FramesDropped:   atomic.LoadInt64(&c.FramesDropped),
		BlocksReceived:  atomic.LoadInt64(&c.BlocksReceived),
		BlocksRecovered: atomic.LoadInt64(&c.BlocksRecovered),
	}
}

func (s Snapshot) header() []string {
	return []string{"HeadersSent", "DataSent", "FECSent", "BatchesSent", "FramesDecoded", "FramesDropped", "BlocksReceived", "BlocksRecovered"}
}

func (s Snapshot) row() []string {
	return []string{
		fmt.Sprint(s.HeadersSent),
		fmt.Sprint(s.DataSent),
		fmt.Sprint(s.FECSent),
		fmt.Sprint(s.BatchesSent),
		fmt.Sprint(s.FramesDecoded),
		fmt.Sprint(s.FramesDropped),
		fmt.Sprint(s.BlocksReceived),
		fmt.Sprint(s.BlocksRecovered),
	}
}

// Log starts a ticker that appends one CSV row of counters every interval
// seconds to path (time-format directives in the filename, like
// "./qrcm-20060102.log", are honoured). It runs until stop is closed. A
// blank path or non-positive interval disables logging entirely.
func Log(path string, interval int, counters *Counters, stop <-chan struct{}) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			writeRow(path, counters.Snapshot())
		}
	}
}

func writeRow(path string, snap Snapshot) {
	logdir, logfile := filepath.Split(path)
	f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		log.Println("stats:", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, snap.header()...)); err != nil {
			log.Println("stats:", err)
		}
	}
	if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, snap.row()...)); err != nil {
		log.Println("stats:", err)
	}
	w.Flush()
}
