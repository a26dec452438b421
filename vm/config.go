package vm

// Config carries the capability set and resource limits an embedder grants
// a VM instance (spec.md §6 "VM::with_config_and_args").
type Config struct {
	AllowFS   bool
	AllowNet  bool
	AllowExec bool

	MaxCallFrames   int
	MaxCallSiteSlots int
	MaxNoGcDepth     int
}

// DefaultConfig matches spec.md §4.6 "Limits": 256 call frames, no
// capability grants, and a generous no-GC nesting allowance.
func DefaultConfig() Config {
	return Config{
		MaxCallFrames:    maxCallFrames,
		MaxCallSiteSlots: 1 << 16,
		MaxNoGcDepth:     64,
	}
}
