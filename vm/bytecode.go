package vm

import "fmt"

// Instruction is a 32-bit packed word: opcode in the high 8 bits, operands
// in the low 24. Two operand layouts share this one representation
// (spec.md §4.3):
//
//	Layout A (ABC): op(8) | a(8) | b(8) | c(8)
//	Layout B (A+imm16): op(8) | a(8) | imm16(16), imm16 a signed 16-bit value
type Instruction uint32

func encodeABC(op Opcode, a, b, c byte) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(b)<<8 | uint32(c))
}

func encodeAImm16(op Opcode, a byte, imm int16) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(uint16(imm)))
}

// Op extracts the opcode.
func (i Instruction) Op() Opcode { return Opcode(i >> 24) }

// A extracts the first 8-bit operand (present in both layouts).
func (i Instruction) A() byte { return byte(i >> 16) }

// B and C extract the second/third 8-bit register operands (layout A).
func (i Instruction) B() byte { return byte(i >> 8) }
func (i Instruction) C() byte { return byte(i) }

// Imm16 extracts the signed 16-bit immediate (layout B).
func (i Instruction) Imm16() int16 { return int16(uint16(i)) }

func (i Instruction) String() string {
	return fmt.Sprintf("%s a=%d b=%d c=%d", i.Op(), i.A(), i.B(), i.C())
}

// Opcode is the instruction's high-8-bits tag (spec.md §4.3).
type Opcode byte

const (
	OpNop Opcode = iota

	// Register moves and constant loads.
	OpMove    // a = b
	OpLoadI   // a = imm16 (sign-extended)
	OpLoadK   // a = constants[imm16]
	OpLoadNull
	OpLoadTrue
	OpLoadFalse

	// Arithmetic, generic and type-specialized.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAddI
	OpSubI
	OpMulI
	OpDivI
	OpAddF
	OpSubF
	OpMulF
	OpDivF

	// Comparison, generic and type-specialized.
	OpEq
	OpLt
	OpLe
	OpEqI
	OpLtI
	OpLeI
	OpEqF
	OpLtF
	OpLeF

	// Logical/bitwise unary.
	OpNot
	OpNeg

	// Jumps.
	OpJump     // unconditional, imm16 relative
	OpJumpIfFalse
	OpJumpIfTrue

	// Calls.
	OpCall
	OpCallUpval
	OpTailCallUpval
	OpCallGlobal
	OpCallGlobalMono
	OpCallGlobalNative
	OpCallGlobalCached // post-patch fast dispatch form of the three above
	OpReturn
	OpReturn0

	// Globals.
	OpGetGlobalIdx
	OpSetGlobalIdx

	// Closures / upvalues.
	OpMakeClosure
	OpGetUpval
	OpSetUpval
	OpCloseUpvals

	// Typed loop forms.
	OpForLoopI
	OpForLoopIInc
	OpWhileLoopLt

	// Manual-heap intrinsics.
	OpHeapAlloc
	OpHeapLoad
	OpHeapStore
	OpHeapFree

	// GC scoping.
	OpEnterNoGc
	OpExitNoGc
)

var opcodeNames = map[Opcode]string{
	OpNop: "Nop", OpMove: "Move", OpLoadI: "LoadI", OpLoadK: "LoadK",
	OpLoadNull: "LoadNull", OpLoadTrue: "LoadTrue", OpLoadFalse: "LoadFalse",
	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpDiv: "Div",
	OpAddI: "AddI", OpSubI: "SubI", OpMulI: "MulI", OpDivI: "DivI",
	OpAddF: "AddF", OpSubF: "SubF", OpMulF: "MulF", OpDivF: "DivF",
	OpEq: "Eq", OpLt: "Lt", OpLe: "Le",
	OpEqI: "EqI", OpLtI: "LtI", OpLeI: "LeI",
	OpEqF: "EqF", OpLtF: "LtF", OpLeF: "LeF",
	OpNot: "Not", OpNeg: "Neg",
	OpJump: "Jump", OpJumpIfFalse: "JumpIfFalse", OpJumpIfTrue: "JumpIfTrue",
	OpCall: "Call", OpCallUpval: "CallUpval", OpTailCallUpval: "TailCallUpval",
	OpCallGlobal: "CallGlobal", OpCallGlobalMono: "CallGlobalMono",
	OpCallGlobalNative: "CallGlobalNative", OpCallGlobalCached: "CallGlobalCached",
	OpReturn: "Return", OpReturn0: "Return0",
	OpGetGlobalIdx: "GetGlobalIdx", OpSetGlobalIdx: "SetGlobalIdx",
	OpMakeClosure: "MakeClosure", OpGetUpval: "GetUpval", OpSetUpval: "SetUpval",
	OpCloseUpvals: "CloseUpvals",
	OpForLoopI:    "ForLoopI", OpForLoopIInc: "ForLoopIInc", OpWhileLoopLt: "WhileLoopLt",
	OpHeapAlloc: "HeapAlloc", OpHeapLoad: "HeapLoad", OpHeapStore: "HeapStore", OpHeapFree: "HeapFree",
	OpEnterNoGc: "EnterNoGc", OpExitNoGc: "ExitNoGc",
}

func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(%d)", byte(op))
}

// IsCallGlobalVariant reports whether op is one of the three call-site-cache
// opcodes that must be followed by exactly two cache words
// (spec.md §4.3 "Call-site cache words").
func (op Opcode) IsCallGlobalVariant() bool {
	return op == OpCallGlobal || op == OpCallGlobalMono || op == OpCallGlobalNative
}

// IsJump reports whether op carries a relative jump target in Imm16.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpJumpIfTrue ||
		op == OpForLoopI || op == OpForLoopIInc || op == OpWhileLoopLt
}

// CacheWord is the packed representation of one of the two words following
// a CallGlobal* instruction, per spec.md §4.3: "the interpreter resolves
// the callee, patches the two words with a 64-bit function reference split
// across the two words plus a small slot id". Layout here:
//
//	unpatched: w0 = 0, w1 = patched-flag(0) | slot(15) | generation(0)
//	patched:   w0 = resolved function's GcRef (low 32 bits; heaps stay well
//	           under 2^32 live objects in practice)
//	           w1 = patched-flag(1) | slot(15) | generation(16)
//
// The "slot id" is the global's own dense slot index, and "generation" is
// that slot's rebind counter (vm.globalGeneration), so a stale cache entry
// is detected by comparing the cached generation against the slot's current
// one rather than by hunting down every call site on rebind
// (spec.md §4.6 "Call-site cache").
type CacheWord = Instruction

// CallSiteCache is the decoded form of the two cache words.
type CallSiteCache struct {
	FuncRef    GcRef
	Slot       uint16
	Generation uint16
	Patched    bool
}

// EncodeCallSiteCache packs a cache into its two raw instruction words.
func EncodeCallSiteCache(c CallSiteCache) (w0, w1 Instruction) {
	w0 = Instruction(uint32(c.FuncRef))
	w1 = Instruction(uint32(c.Generation) | uint32(c.Slot&0x7FFF)<<16)
	if c.Patched {
		w1 |= 1 << 31
	}
	return w0, w1
}

// DecodeCallSiteCache unpacks the two raw instruction words.
func DecodeCallSiteCache(w0, w1 Instruction) CallSiteCache {
	return CallSiteCache{
		FuncRef:    GcRef(uint32(w0)),
		Slot:       uint16((uint32(w1) >> 16) & 0x7FFF),
		Generation: uint16(w1 & 0xFFFF),
		Patched:    w1&(1<<31) != 0,
	}
}

// LineEntry is one run of the line table: `count` consecutive instructions
// all map to `line` (spec.md §4.3 "Line table").
type LineEntry struct {
	Count uint32
	Line  uint32
}

// LineTable looks up the source line for an instruction index.
type LineTable []LineEntry

// LineFor returns the source line mapped to instruction index ip.
func (lt LineTable) LineFor(ip int) int {
	remaining := ip
	for _, e := range lt {
		if remaining < int(e.Count) {
			return int(e.Line)
		}
		remaining -= int(e.Count)
	}
	if len(lt) > 0 {
		return int(lt[len(lt)-1].Line)
	}
	return 0
}

// UpvalueDescriptor tells a closure constructor how to fill upvalue slot i:
// by capturing the enclosing frame's register (IsLocal) or by re-sharing
// the enclosing closure's own upvalue at Index (spec.md §3 Function record).
type UpvalueDescriptor struct {
	IsLocal bool
	Index   uint16
}
