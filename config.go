package litecask

// Config holds the tunables listed in spec.md §6, mirroring the fields and
// defaults of the original C++ header's Config struct. A Config is only
// ever handed to SetConfig/Open as a fully validated value; there is no
// partial-apply path (spec.md §9).
type Config struct {
	// DataFileMaxBytes bounds the active data file before it is sealed
	// and a new one is created.
	DataFileMaxBytes uint32

	// MergeCyclePeriodMs and UpkeepCyclePeriodMs drive the single
	// maintenance worker's cadence (maintenance.go ticks at the min of
	// the two).
	MergeCyclePeriodMs  uint32
	UpkeepCyclePeriodMs uint32

	// WriteBufferFlushPeriodMs is the max age of buffered, not yet
	// flushed, writes.
	WriteBufferFlushPeriodMs uint32

	// UpkeepKeyDirBatchSize and UpkeepValueCacheBatchSize bound how much
	// background work (KeyDir resize migration, cache eviction) runs per
	// maintenance tick.
	UpkeepKeyDirBatchSize     uint32
	UpkeepValueCacheBatchSize uint32

	// ValueCacheTargetMemoryLoadPercentage is the cache's background
	// eviction high-water mark.
	ValueCacheTargetMemoryLoadPercentage uint32

	// Merge trigger thresholds: a sealed file qualifies for a merge run
	// once either threshold is crossed.
	MergeTriggerDataFileFragmentationPercentage uint32
	MergeTriggerDataFileDeadByteThreshold       uint64

	// Merge selection thresholds: once a merge run is triggered, these
	// decide which sealed files are swept in. Each must be <= its
	// trigger counterpart (validated below).
	MergeSelectDataFileFragmentationPercentage uint32
	MergeSelectDataFileDeadByteThreshold       uint64
	MergeSelectDataFileSmallSizeThreshold      uint32
}

// DefaultConfig returns the configuration defaults used by Open when no
// Config is supplied, matching the original header's constructor defaults.
func DefaultConfig() Config {
	return Config{
		DataFileMaxBytes:                             64 * 1024 * 1024,
		MergeCyclePeriodMs:                           60_000,
		UpkeepCyclePeriodMs:                          500,
		WriteBufferFlushPeriodMs:                     1_000,
		UpkeepKeyDirBatchSize:                        1024,
		UpkeepValueCacheBatchSize:                    1024,
		ValueCacheTargetMemoryLoadPercentage:         90,
		MergeTriggerDataFileFragmentationPercentage:  60,
		MergeTriggerDataFileDeadByteThreshold:        64 * 1024 * 1024,
		MergeSelectDataFileFragmentationPercentage:   40,
		MergeSelectDataFileDeadByteThreshold:         32 * 1024 * 1024,
		MergeSelectDataFileSmallSizeThreshold:        1024 * 1024,
	}
}

// minDataFileMaxBytes matches the original's MinDataFileMaxBytes: below
// this, rotation would thrash on nearly every put.
const minDataFileMaxBytes = 1024

// validate applies the cross-field checks spec.md §4.I and §9 require:
// Config is a validated value object, never partially applied. Returns
// InconsistentParameterValues when the trigger dead-byte threshold exceeds
// DataFileMaxBytes (S3 in spec.md §8) or when a select threshold exceeds
// its trigger counterpart, and BadParameterValue for any field out of its
// own individual range.
func (c Config) validate() Status {
	switch {
	case c.DataFileMaxBytes < minDataFileMaxBytes:
		return StatusBadParameterValue
	case c.MergeCyclePeriodMs == 0:
		return StatusBadParameterValue
	case c.UpkeepCyclePeriodMs == 0:
		return StatusBadParameterValue
	case c.UpkeepKeyDirBatchSize == 0:
		return StatusBadParameterValue
	case c.UpkeepValueCacheBatchSize == 0:
		return StatusBadParameterValue
	case c.ValueCacheTargetMemoryLoadPercentage > 100:
		return StatusBadParameterValue
	case c.MergeTriggerDataFileFragmentationPercentage == 0 || c.MergeTriggerDataFileFragmentationPercentage > 100:
		return StatusBadParameterValue
	}

	// A dead-byte threshold above the file size bound could never be
	// reached by a single file, leaving the merge trigger permanently
	// dead (spec.md §8, S3).
	if uint64(c.MergeTriggerDataFileDeadByteThreshold) > uint64(c.DataFileMaxBytes) {
		return StatusInconsistentParameterValues
	}

	if c.MergeSelectDataFileFragmentationPercentage == 0 || c.MergeSelectDataFileFragmentationPercentage > 100 {
		return StatusBadParameterValue
	}
	if c.MergeSelectDataFileFragmentationPercentage > c.MergeTriggerDataFileFragmentationPercentage {
		return StatusInconsistentParameterValues
	}
	if c.MergeSelectDataFileDeadByteThreshold > c.MergeTriggerDataFileDeadByteThreshold {
		return StatusInconsistentParameterValues
	}
	if c.MergeSelectDataFileSmallSizeThreshold < minDataFileMaxBytes {
		return StatusBadParameterValue
	}
	return StatusOk
}

// Option customizes Open's construction-time parameters that the original
// passes as constructor arguments rather than Config fields: cache size
// and key-directory arena sizing are fixed for the lifetime of the open
// store, unlike Config which can change across SetConfig calls.
type Option func(*options)

type options struct {
	cacheMaxBytes     uint64
	keyDirArenaBytes  uint64
	keyDirMaxLoadFactor float64
	createIfMissing   bool
	logger            *Logger
}

func defaultOptions() *options {
	return &options{
		cacheMaxBytes:       64 * 1024 * 1024,
		keyDirArenaBytes:    32 * 1024 * 1024,
		keyDirMaxLoadFactor: 0.95,
		createIfMissing:     true,
		logger:              NewLogger("litecask", LevelInfo),
	}
}

// WithCacheBytes sets the TLSF arena size backing the segmented-LRU value
// cache. A size of 0 disables caching entirely.
func WithCacheBytes(n uint64) Option {
	return func(o *options) { o.cacheMaxBytes = n }
}

// WithKeyDirArenaBytes sets the TLSF arena size backing key-directory side
// storage (key bytes and index tags).
func WithKeyDirArenaBytes(n uint64) Option {
	return func(o *options) { o.keyDirArenaBytes = n }
}

// WithKeyDirMaxLoadFactor sets the load factor above which the key
// directory triggers a background resize (spec.md §4.C, default 0.95).
func WithKeyDirMaxLoadFactor(f float64) Option {
	return func(o *options) { o.keyDirMaxLoadFactor = f }
}

// WithCreateIfMissing controls whether Open creates the target directory
// when absent (default true, matching spec.md §6's open signature).
func WithCreateIfMissing(b bool) Option {
	return func(o *options) { o.createIfMissing = b }
}

// WithLogger overrides the default stdout logger.
func WithLogger(l *Logger) Option {
	return func(o *options) { o.logger = l }
}
