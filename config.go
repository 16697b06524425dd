package blockcache

import "time"

// CacheType selects the per-type behavior variations named in §6.
type CacheType int

const (
	// DiskCache is the default, fully read/write cache type.
	DiskCache CacheType = iota
	// AppCache is read-only: create/write operations are rejected.
	AppCache
	// ShaderCache skips the rank-update-on-open that a normal open does.
	ShaderCache
	// PnaclCache raises the per-entry size limit to max_size.
	PnaclCache
)

const (
	defaultMaxSizeBytes  = 80 * 1024 * 1024
	defaultTableLenPow2  = 64 * 1024
	defaultTickInterval  = 30 * time.Second
	defaultBufferBudget  = 30 * 1024 * 1024
	minBufferBudget      = 16 * 1024
	bufferBudgetMemRatio = 0.02
)

type config struct {
	maxSizeBytes  int64
	cacheType     CacheType
	newEviction   bool
	maskOverride  uint32
	tickInterval  time.Duration
	bufferBudget  int64

	// Test-only bypass bits (§6).
	noRandom          bool
	noLoadProtection  bool
	noBuffering       bool
	unitTestMode      bool
}

// Option configures a Backend at Init time.
type Option func(*config)

func defaultConfig() config {
	return config{
		maxSizeBytes: defaultMaxSizeBytes,
		cacheType:    DiskCache,
		tickInterval: defaultTickInterval,
		bufferBudget: defaultBufferBudget,
	}
}

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
	if c.bufferBudget < minBufferBudget {
		c.bufferBudget = minBufferBudget
	}
}

// MaxSize sets the target total byte budget (default 80 MiB).
func MaxSize(bytes int64) Option {
	return func(c *config) { c.maxSizeBytes = bytes }
}

// WithCacheType selects one of the behavior variants in §6.
func WithCacheType(t CacheType) Option {
	return func(c *config) { c.cacheType = t }
}

// NewEviction selects the stratified four-list trim policy in place of
// the classic single-list one.
func NewEviction(on bool) Option {
	return func(c *config) { c.newEviction = on }
}

// MaskOverride records a bucket-mask override for the index hash table
// (test only). The index does not read it: its mask always follows the
// table length.
func MaskOverride(mask uint32) Option {
	return func(c *config) { c.maskOverride = mask }
}

// TickInterval overrides the backend's periodic background-thread timer
// (default 30 s, §4.9).
func TickInterval(d time.Duration) Option {
	return func(c *config) { c.tickInterval = d }
}

// BufferBudget overrides the total write-back buffer budget shared across
// every open entry (default 30 MiB, floor 16 KiB, §4.9). The default is a
// fixed value; it does not scale with physical memory.
func BufferBudget(bytes int64) Option {
	return func(c *config) { c.bufferBudget = bytes }
}

// NoRandom records the test-only no-random bit. Nothing in the backend
// reads it; the backend has no random jitter to disable.
func NoRandom(on bool) Option { return func(c *config) { c.noRandom = on } }

// NoLoadProtection records the test-only no-load-protection bit. Nothing
// in the backend reads it: the periodic trim never reports the backend as
// loaded, so its trims are not deferred whether or not this is set.
func NoLoadProtection(on bool) Option {
	return func(c *config) { c.noLoadProtection = on }
}

// NoBuffering forces every write straight through to storage, skipping
// the write-back user buffer.
func NoBuffering(on bool) Option { return func(c *config) { c.noBuffering = on } }

// UnitTestMode records the test-only unit-test-mode bit. Nothing in the
// backend reads it, so it changes no behavior.
func UnitTestMode(on bool) Option { return func(c *config) { c.unitTestMode = on } }

func (t CacheType) readOnly() bool { return t == AppCache }

func (t CacheType) skipRankUpdateOnOpen() bool { return t == ShaderCache }
