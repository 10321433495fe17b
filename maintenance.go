package litecask

import "time"

// RequestUpKeeping starts an upkeep cycle if one isn't already running.
func (d *Datastore) RequestUpKeeping() bool {
	if !d.upkeepOnGoing.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer d.upkeepOnGoing.Store(false)
		d.runUpkeepCycle()
	}()
	return true
}

// maintenanceLoop is the single background worker spec.md §4.J describes:
// it ticks at min(mergeCyclePeriodMs, upkeepCyclePeriodMs) and drives
// KeyDir resize migration, cache eviction, the TTL sweep, write-buffer
// flushing, and merge triggering.
func (d *Datastore) maintenanceLoop() {
	defer close(d.maintDone)

	tick := d.maintenanceTickInterval()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopMaintenance:
			return
		case <-ticker.C:
			d.runUpkeepCycle()
			cfg := d.GetConfig()
			if d.isItWorthMerging(cfg) {
				d.RequestMerge()
			}

			if newTick := d.maintenanceTickInterval(); newTick != tick {
				tick = newTick
				ticker.Reset(tick)
			}
		}
	}
}

func (d *Datastore) maintenanceTickInterval() time.Duration {
	cfg := d.GetConfig()
	period := cfg.MergeCyclePeriodMs
	if cfg.UpkeepCyclePeriodMs < period {
		period = cfg.UpkeepCyclePeriodMs
	}
	if period == 0 {
		period = 500
	}
	return time.Duration(period) * time.Millisecond
}

// runUpkeepCycle drives one round of incremental background work: KeyDir
// migration, cache eviction toward its target load, the expired-key
// sweep, and a periodic write-buffer flush.
func (d *Datastore) runUpkeepCycle() {
	cfg := d.GetConfig()
	d.counters.UpkeepCycleQty.Add(1)

	d.kd.Upkeep(int(cfg.UpkeepKeyDirBatchSize))

	d.cache.SetTargetMemoryLoad(float64(cfg.ValueCacheTargetMemoryLoadPercentage) / 100)
	d.cache.Upkeep(cfg.UpkeepValueCacheBatchSize)
	d.cache.PreventiveEvict(cfg.UpkeepValueCacheBatchSize)

	d.sweepExpiredShard(cfg.UpkeepKeyDirBatchSize)

	if d.shouldFlush(cfg.WriteBufferFlushPeriodMs) {
		d.writeMu.Lock()
		d.syncLocked()
		d.writeMu.Unlock()
		d.counters.WriteBufferFlushQty.Add(1)
	}
}

func (d *Datastore) shouldFlush(periodMs uint32) bool {
	last := d.lastBufferFlush.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= time.Duration(periodMs)*time.Millisecond
}

// sweepExpiredShard removes up to batchSize TTL-expired keys. It walks the
// live keys recorded in keyBytesByHash, in that map's iteration order,
// and stops once batchSize expired keys have been removed; with fewer
// expired keys than that, it visits every live key. The KeyDir itself
// exposes no iterator.
func (d *Datastore) sweepExpiredShard(batchSize uint32) {
	now := d.now()
	swept := uint32(0)
	d.keyBytesByHash.Range(func(hash uint64, key []byte) bool {
		if swept >= batchSize {
			return false
		}
		e, ok := d.kd.Find(hash, key)
		if !ok {
			return true
		}
		if e.Location.TTLDeadlineSec != 0 && now >= e.Location.TTLDeadlineSec {
			d.kd.Remove(hash, key)
			d.removeCacheLocked(hash)
			d.keyBytesByHash.Delete(hash)
			d.markDeadLocked(e)
			d.counters.TTLExpiredQty.Add(1)
			swept++
		}
		return true
	})
}
