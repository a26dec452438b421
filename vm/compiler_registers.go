package vm

// maxRegisters is the per-function register pool size (spec.md §4.4
// "Register allocation").
const maxRegisters = 256

// registerPool is a per-function bit vector of allocatable registers plus a
// high-water mark used as the function's final NumRegisters.
type registerPool struct {
	used     [maxRegisters]bool
	captured [maxRegisters]bool
	highWater int
}

func newRegisterPool() *registerPool {
	return &registerPool{}
}

// alloc finds the lowest free, non-captured register, marks it used, and
// returns it. Exceeding maxRegisters is TooManyRegisters (spec.md §4.4).
// span locates the expression/statement that triggered the allocation, for
// diagnostic rendering (spec.md §4.4, §6).
func (p *registerPool) alloc(span Span) (int, error) {
	for r := 0; r < maxRegisters; r++ {
		if !p.used[r] {
			p.used[r] = true
			if r+1 > p.highWater {
				p.highWater = r + 1
			}
			return r, nil
		}
	}
	return 0, &CompileError{Kind: ErrTooManyRegisters, Message: "function exceeds 256 registers", Span: span}
}

// allocContiguousAt marks the count registers starting exactly at start as
// used, for call-argument placement (spec.md §4.4 "Consecutive-register
// allocation for call arguments"). Returns false, allocating nothing, if
// any register in that range is occupied or past the pool, letting the
// caller fall back to the generic path.
func (p *registerPool) allocContiguousAt(start, count int) bool {
	if start+count > maxRegisters {
		return false
	}
	for r := start; r < start+count; r++ {
		if p.used[r] {
			return false
		}
	}
	for r := start; r < start+count; r++ {
		p.used[r] = true
	}
	if start+count > p.highWater {
		p.highWater = start + count
	}
	return true
}

// free returns r to the pool unless it has been marked captured, in which
// case it is retained until the whole function finishes compiling
// (SPEC_FULL.md §5 "Captured-register reuse" decision).
func (p *registerPool) free(r int) {
	if p.captured[r] {
		return
	}
	p.used[r] = false
}

// markCaptured flags r as captured by a closure; it will not be returned to
// the free pool by free() again until the function is done compiling.
func (p *registerPool) markCaptured(r int) {
	p.captured[r] = true
}
