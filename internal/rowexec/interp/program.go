// Package interp implements the Interpreter: the register-based bytecode
// engine that evaluates scan filters, computed UPDATE expressions, and
// aggregate-free projections directly against a row's attributes without
// round-tripping through RowOps for every predicate (spec.md §4.7). The
// dispatch-loop shape (a flat instruction slice, a program counter, a
// switch on opcode) follows the style of the RiSC-32 register machine in
// the retrieved example pack; the five program regions, the bounded
// register file, and the output array are this engine's own domain.
package interp

import (
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// NumRegisters is the size of the interpreter's general-purpose register
// file (spec.md §4.7: "8 registers").
const NumRegisters = 8

// MaxHeapWords bounds the scratch heap an interpreted program may use for
// intermediate string/binary buffers.
const MaxHeapWords = 8200

// MaxReturnDepth bounds the subroutine call/return stack.
const MaxReturnDepth = 32

// MaxOutputEntries bounds the number of values a program may append to its
// output array.
const MaxOutputEntries = 32

// MaxInstructions bounds the instructions a single operation's VM may
// retire across every region it runs (InitialRead, Exec, FinalUpdate,
// FinalRead, and any subroutines called from them), guarding against
// runaway or malformed programs (spec.md §4.7 / §7).
const MaxInstructions = 16000

// MaxHeapBytes is MaxHeapWords expressed in bytes: the size of the
// byte-addressable scratch buffer the MEM opcodes read and write.
const MaxHeapBytes = MaxHeapWords * 4

// Region names one of the five execution phases a program's instructions
// are grouped into.
type Region uint8

const (
	RegionInitialRead Region = iota
	RegionExec
	RegionFinalUpdate
	RegionFinalRead
	RegionSubroutine
)

func (r Region) String() string {
	switch r {
	case RegionInitialRead:
		return "initial_read"
	case RegionExec:
		return "exec"
	case RegionFinalUpdate:
		return "final_update"
	case RegionFinalRead:
		return "final_read"
	case RegionSubroutine:
		return "subroutine"
	default:
		return "unknown_region"
	}
}

// Reg indexes the register file.
type Reg uint8

// BranchOp is the comparison a conditional branch instruction tests.
type BranchOp uint8

const (
	BranchEQ BranchOp = iota
	BranchNE
	BranchLT
	BranchLE
	BranchGT
	BranchGE
)

// Op identifies an instruction's operation.
type Op uint8

const (
	OpNop Op = iota
	OpLoadConst
	OpLoadAttr
	OpStoreAttr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpCmp
	OpBranch
	OpJump
	OpCall
	OpReturn
	OpAppendOutput
	OpHalt

	// LOAD_CONST_* — narrower constant loads, matching spec.md §4.7's
	// distinct encodings for a NULL marker and 16/32/64-bit immediates.
	OpLoadConstNull
	OpLoadConst16
	OpLoadConst32
	OpLoadConst64
	// OpLoadConstMem materializes Const.Bytes into the heap scratch buffer
	// at MemOffset, rather than into a register.
	OpLoadConstMem

	// Heap-scratch opcodes over the shared MEM buffer (spec.md §4.7's
	// "READ_UINT{8,16,32}_MEM_TO_REG"/"WRITE_*_REG_TO_MEM" family).
	OpReadUint8MemToReg
	OpReadUint16MemToReg
	OpReadUint32MemToReg
	OpReadInt64MemToReg
	OpWriteUint8RegToMem
	OpWriteUint16RegToMem
	OpWriteUint32RegToMem
	OpWriteInt64RegToMem

	// OpReadAttrToMem/OpWriteAttrFromMem move an attribute's raw bytes
	// between the row and the MEM scratch buffer; OpAppendAttrFromMem
	// appends MEM bytes onto a variable-size attribute in place, the
	// varchar-append path spec.md §4.8's UPDATE contract calls for.
	OpReadAttrToMem
	OpWriteAttrFromMem
	OpAppendAttrFromMem

	// OpLike/OpNotLike are conditional branches: jump to Target when
	// SrcA's bytes do/do not match Pattern under SQL LIKE semantics
	// (% = any run, _ = any one byte).
	OpLike
	OpNotLike

	// OpBranchAttrOp is a typed comparison branch whose right-hand operand
	// comes from an attribute, a bound parameter, or a subroutine argument
	// (Source), honoring NullMode's NULL-comparison semantics rather than
	// OpCmp/OpBranch's fixed NULLs-sort-first rule.
	OpBranchAttrOp
	OpBranchRegEQNull
	OpBranchRegNENull

	// OpSetOutputAt writes a register into the output array at a fixed
	// index rather than appending, the pseudo-column mechanism a program
	// uses to place computed/derived columns at stable output positions.
	OpSetOutputAt

	// EXIT_* — spec.md §4.7's named terminal opcodes. OpHalt remains the
	// plain, reason-free terminator existing programs already use;
	// OpExitOK/OpExitOKLast are its named synonyms and OpExitRefuse is the
	// "filter miss" terminator carrying a caller-supplied 16-bit reason and
	// producing zero bytes of read output.
	OpExitOK
	OpExitOKLast
	OpExitRefuse
)

func (o Op) String() string {
	names := [...]string{
		"NOP", "LOAD_CONST", "LOAD_ATTR", "STORE_ATTR", "ADD", "SUB", "MUL", "DIV", "MOD",
		"AND", "OR", "XOR", "SHL", "SHR", "CMP", "BRANCH", "JUMP", "CALL", "RETURN",
		"APPEND_OUTPUT", "HALT",
		"LOAD_CONST_NULL", "LOAD_CONST_16", "LOAD_CONST_32", "LOAD_CONST_64", "LOAD_CONST_MEM",
		"READ_UINT8_MEM_TO_REG", "READ_UINT16_MEM_TO_REG", "READ_UINT32_MEM_TO_REG", "READ_INT64_MEM_TO_REG",
		"WRITE_UINT8_REG_TO_MEM", "WRITE_UINT16_REG_TO_MEM", "WRITE_UINT32_REG_TO_MEM", "WRITE_INT64_REG_TO_MEM",
		"READ_ATTR_TO_MEM", "WRITE_ATTR_FROM_MEM", "APPEND_ATTR_FROM_MEM",
		"LIKE", "NOT_LIKE",
		"BRANCH_ATTR_OP", "BRANCH_REG_EQ_NULL", "BRANCH_REG_NE_NULL",
		"SET_OUTPUT_AT",
		"EXIT_OK", "EXIT_OK_LAST", "EXIT_REFUSE",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "UNKNOWN_OP"
}

// AttrSource identifies where BRANCH_ATTR_OP's right-hand operand comes
// from (spec.md §4.7's ATTR/PARAM/ARG variants). PARAM and ARG both read
// from the register file here — this engine has no separate bound-
// parameter or subroutine-argument memory region, so both collapse onto
// SrcB; only SourceAttr reads AttrIdx off the row.
type AttrSource uint8

const (
	SourceAttr AttrSource = iota
	SourceParam
	SourceArg
)

// NullMode selects BRANCH_ATTR_OP's NULL-comparison semantics (spec.md
// §4.7's "2-bit NULL-semantics field").
type NullMode uint8

const (
	// NullSQL: a branch whose either operand is NULL is never taken
	// (three-valued SQL UNKNOWN collapses to false).
	NullSQL NullMode = iota
	// NullOrdered: NULL participates in ordering, sorting before every
	// non-NULL value (OpCmp/OpBranch's existing rule, exposed here too).
	NullOrdered
	// NullEqualsNull: two NULLs compare equal to each other and unequal to
	// any non-NULL value, for EQ/NE only.
	NullEqualsNull
)

// Instr is one interpreter instruction. Not every field is meaningful for
// every Op; unused fields are ignored by VM.Run.
type Instr struct {
	Op      Op
	Dst     Reg
	SrcA    Reg
	SrcB    Reg
	Const   rowcodec.Value   // OpLoadConst and its narrower LOAD_CONST_* family
	AttrIdx int              // attribute-addressed ops: descriptor position
	Target  int              // branch/jump ops: instruction index within the same region
	Branch  BranchOp         // OpBranch / OpBranchAttrOp
	Sub     int              // OpCall: index into Program.Subroutines
	Charset schema.CharsetID // comparison ops: collation to compare string payloads under

	MemOffset int // MEM opcodes: byte offset into the heap scratch buffer
	MemLen    int // MEM opcodes: byte length of the region addressed

	Source  AttrSource // OpBranchAttrOp: where the right-hand operand comes from
	NullSem NullMode   // OpBranchAttrOp: NULL-comparison semantics

	Pattern []byte // OpLike / OpNotLike: the SQL LIKE pattern (% and _ wildcards)

	Reason uint16 // OpExitRefuse: the caller-supplied refusal reason code

	OutputIdx int // OpSetOutputAt: fixed output-array position
}

// Program is a compiled interpreted operation: one instruction slice per
// region, plus a set of subroutines callable from RegionExec (spec.md
// §4.7's "subroutine + params" region).
type Program struct {
	InitialRead []Instr
	Exec        []Instr
	FinalUpdate []Instr
	FinalRead   []Instr
	Subroutines [][]Instr
}
