package litecask

import "sync/atomic"

// Counters is the full instrumentation catalogue carried over from the
// original header's DatastoreCounters, exposed read-only via
// Datastore.Counters(). All fields are updated with atomic adds so a
// concurrent Counters() snapshot never needs the writer lock.
type Counters struct {
	OpenCallQty  atomic.Int64
	CloseCallQty atomic.Int64

	PutCallQty           atomic.Int64
	PutCallFailedQty     atomic.Int64
	RemoveCallQty        atomic.Int64
	RemoveCallFailedQty  atomic.Int64
	GetCallQty           atomic.Int64
	GetCallFailedQty     atomic.Int64
	GetCallCorruptedQty  atomic.Int64
	GetWriteBufferHitQty atomic.Int64
	GetCacheHitQty       atomic.Int64
	GetDiskHitQty        atomic.Int64
	QueryCallQty         atomic.Int64

	TTLExpiredQty atomic.Int64

	ActiveDataFileSwitchQty atomic.Int64
	WriteBufferFlushQty     atomic.Int64

	MergeCycleQty         atomic.Int64
	MergeGainedBytes      atomic.Int64
	MergeGainedDataFileQty atomic.Int64
	HintFileCreatedQty    atomic.Int64

	IndexArrayCleaningQty atomic.Int64

	UpkeepCycleQty atomic.Int64
}

// CountersSnapshot is a plain-value copy of Counters for callers that want to read
// every field once without touching atomics repeatedly.
type CountersSnapshot struct {
	OpenCallQty, CloseCallQty                                     int64
	PutCallQty, PutCallFailedQty                                  int64
	RemoveCallQty, RemoveCallFailedQty                            int64
	GetCallQty, GetCallFailedQty, GetCallCorruptedQty              int64
	GetWriteBufferHitQty, GetCacheHitQty, GetDiskHitQty           int64
	QueryCallQty                                                  int64
	TTLExpiredQty                                                 int64
	ActiveDataFileSwitchQty, WriteBufferFlushQty                  int64
	MergeCycleQty, MergeGainedBytes, MergeGainedDataFileQty       int64
	HintFileCreatedQty                                            int64
	IndexArrayCleaningQty                                         int64
	UpkeepCycleQty                                                int64
}

// Snapshot returns a consistent-enough point-in-time copy; individual
// fields may be a few nanoseconds stale relative to each other, matching
// the "lossy counter" tolerance spec.md §5 allows for getAllocatedBytes
// and similar instrumentation.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		OpenCallQty:             c.OpenCallQty.Load(),
		CloseCallQty:            c.CloseCallQty.Load(),
		PutCallQty:              c.PutCallQty.Load(),
		PutCallFailedQty:        c.PutCallFailedQty.Load(),
		RemoveCallQty:           c.RemoveCallQty.Load(),
		RemoveCallFailedQty:     c.RemoveCallFailedQty.Load(),
		GetCallQty:              c.GetCallQty.Load(),
		GetCallFailedQty:        c.GetCallFailedQty.Load(),
		GetCallCorruptedQty:     c.GetCallCorruptedQty.Load(),
		GetWriteBufferHitQty:    c.GetWriteBufferHitQty.Load(),
		GetCacheHitQty:          c.GetCacheHitQty.Load(),
		GetDiskHitQty:           c.GetDiskHitQty.Load(),
		QueryCallQty:            c.QueryCallQty.Load(),
		TTLExpiredQty:           c.TTLExpiredQty.Load(),
		ActiveDataFileSwitchQty: c.ActiveDataFileSwitchQty.Load(),
		WriteBufferFlushQty:     c.WriteBufferFlushQty.Load(),
		MergeCycleQty:           c.MergeCycleQty.Load(),
		MergeGainedBytes:        c.MergeGainedBytes.Load(),
		MergeGainedDataFileQty:  c.MergeGainedDataFileQty.Load(),
		HintFileCreatedQty:      c.HintFileCreatedQty.Load(),
		IndexArrayCleaningQty:   c.IndexArrayCleaningQty.Load(),
		UpkeepCycleQty:          c.UpkeepCycleQty.Load(),
	}
}

// DataFileStats tracks per-file liveness bookkeeping the merge engine's
// selection criteria (spec.md §4.I) compare against. EntryBytes grows on
// every record append; DeadBytes/TombBytes/DeadEntries/TombEntries grow
// when a record is superseded or is itself a tombstone, and only shrink
// back to zero when the file is merged away.
type DataFileStats struct {
	EntryBytes  atomic.Uint64
	DeadBytes   atomic.Uint64
	TombBytes   atomic.Uint64
	DeadEntries atomic.Uint64
	TombEntries atomic.Uint64
}

// FragmentationPercentage returns DeadBytes as a percentage of EntryBytes,
// the ratio the merge trigger/selection thresholds in spec.md §4.I compare
// against. Returns 0 for an empty file.
func (s *DataFileStats) FragmentationPercentage() uint32 {
	entry := s.EntryBytes.Load()
	if entry == 0 {
		return 0
	}
	return uint32(s.DeadBytes.Load() * 100 / entry)
}
