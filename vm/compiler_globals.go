package vm

import "github.com/dolthub/swiss"

// globalTable is shared across every funcCompiler in one compilation
// (spec.md §4.4 "Globals"): `globals` (name -> mutable) plus `global_indices`
// (name -> dense u16 slot), including qualified `module::member` names and
// builtin intrinsics.
type globalTable struct {
	mutable map[string]bool
	indices *swiss.Map[string, uint16]
	next    uint16
	natives map[string]bool
}

func newGlobalTable() *globalTable {
	g := &globalTable{
		mutable: make(map[string]bool),
		indices: swiss.NewMap[string, uint16](32),
		natives: make(map[string]bool),
	}
	for _, name := range builtinIntrinsicNames {
		g.slotFor(name)
		g.natives[name] = true
	}
	return g
}

var builtinIntrinsicNames = []string{"alloc", "free", "load", "store", "type"}

// slotFor returns name's dense global slot, assigning a fresh one if this
// is the first reference.
func (g *globalTable) slotFor(name string) uint16 {
	if idx, ok := g.indices.Get(name); ok {
		return idx
	}
	idx := g.next
	g.next++
	g.indices.Put(name, idx)
	return idx
}

func (g *globalTable) declare(name string, mutable bool) {
	g.mutable[name] = mutable
	g.slotFor(name)
}

func (g *globalTable) isKnownGlobal(name string) bool {
	_, ok := g.indices.Get(name)
	return ok
}

func (g *globalTable) isNative(name string) bool {
	return g.natives[name]
}

// indexMap snapshots the table into a plain map for Compile's return value
// (spec.md §6 "Compiler output").
func (g *globalTable) indexMap() map[string]uint16 {
	out := make(map[string]uint16, g.indices.Count())
	g.indices.Iter(func(k string, v uint16) bool {
		out[k] = v
		return false
	})
	return out
}
