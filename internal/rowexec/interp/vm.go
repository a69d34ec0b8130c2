package interp

import (
	"encoding/binary"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/SimonWaldherr/tinySQL/internal/metrics"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// VM is one interpreted execution against a single row. A fresh VM is
// created per RowOps operation; it is not safe for concurrent use.
type VM struct {
	regs   [NumRegisters]rowcodec.Value
	cmp    int // -1, 0, 1 from the last OpCmp; consulted by OpBranch
	retPC  []frame
	output []rowcodec.Value
	heap   int    // words consumed so far by variable-size register contents
	mem    []byte // byte-addressable scratch shared by the MEM opcodes, allocated lazily

	row  *rowcodec.Expanded
	prog *Program

	instrCount   int
	refused      bool
	refuseReason uint16
}

type frame struct {
	code []Instr
	pc   int
}

// New returns a VM ready to interpret prog against row.
func New(prog *Program, row *rowcodec.Expanded) *VM {
	return &VM{prog: prog, row: row}
}

// Output returns the values appended via OpAppendOutput/OpSetOutputAt, in
// order.
func (v *VM) Output() []rowcodec.Value { return v.output }

// Refused reports whether the program terminated with EXIT_REFUSE, and if
// so, the reason code it carried (spec.md §4.7/§4.8: a refused READ
// produces zero bytes of output).
func (v *VM) Refused() (bool, uint16) { return v.refused, v.refuseReason }

func (v *VM) memSlice(offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > MaxHeapBytes {
		return nil, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.memSlice",
			"heap scratch access [%d:%d) out of the %d-byte bound", offset, offset+length, MaxHeapBytes)
	}
	if v.mem == nil {
		v.mem = make([]byte, MaxHeapBytes)
	}
	return v.mem[offset : offset+length], nil
}

// Run executes one region to completion (a HALT, falling off the end of
// the instruction slice, or an error). final_update/exec instructions may
// mutate v.row in place via OpStoreAttr; callers re-fetch v.row's touched
// positions afterward.
func (v *VM) Run(region Region) error {
	var code []Instr
	switch region {
	case RegionInitialRead:
		code = v.prog.InitialRead
	case RegionExec:
		code = v.prog.Exec
	case RegionFinalUpdate:
		code = v.prog.FinalUpdate
	case RegionFinalRead:
		code = v.prog.FinalRead
	default:
		return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterUnsupportedBranch, "VM.Run",
			"region %v is not directly runnable", region)
	}
	before := v.instrCount
	err := v.run(code)
	metrics.InstructionsExecuted.WithLabelValues(region.String()).Add(float64(v.instrCount - before))
	return err
}

func (v *VM) run(code []Instr) error {
	pc := 0
	for {
		if pc >= len(code) {
			return nil
		}
		v.instrCount++
		if v.instrCount > MaxInstructions {
			return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterTooManyInstructions, "VM.run",
				"exceeded %d instructions", MaxInstructions)
		}
		in := code[pc]
		next := pc + 1
		halt := false

		switch in.Op {
		case OpNop:
			// no-op
		case OpLoadConst:
			if err := v.setReg(in.Dst, in.Const); err != nil {
				return err
			}
		case OpLoadAttr:
			if in.AttrIdx < 0 || in.AttrIdx >= len(v.row.Values) {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.run",
					"attribute index %d out of range", in.AttrIdx)
			}
			v.regs[in.Dst] = v.row.Get(in.AttrIdx)
		case OpStoreAttr:
			if in.AttrIdx < 0 {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.run",
					"attribute index %d out of range", in.AttrIdx)
			}
			v.row.Set(in.AttrIdx, v.regs[in.SrcA])
		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor, OpShl, OpShr:
			val, err := v.arith(in)
			if err != nil {
				return err
			}
			if err := v.setReg(in.Dst, val); err != nil {
				return err
			}
		case OpCmp:
			v.cmp = compare(v.regs[in.SrcA], v.regs[in.SrcB], in.Charset)
		case OpBranch:
			if evalBranch(in.Branch, v.cmp) {
				next = in.Target
			}
		case OpJump:
			next = in.Target
		case OpCall:
			if in.Sub < 0 || in.Sub >= len(v.prog.Subroutines) {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterOutOfProgram, "VM.run",
					"subroutine index %d out of range", in.Sub)
			}
			if len(v.retPC) >= MaxReturnDepth {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterStackOverflow, "VM.run",
					"return stack exceeded depth %d", MaxReturnDepth)
			}
			v.retPC = append(v.retPC, frame{code: code, pc: next})
			code = v.prog.Subroutines[in.Sub]
			next = 0
		case OpReturn:
			if len(v.retPC) == 0 {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterStackUnderflow, "VM.run",
					"return with an empty call stack")
			}
			top := v.retPC[len(v.retPC)-1]
			v.retPC = v.retPC[:len(v.retPC)-1]
			code = top.code
			next = top.pc
		case OpAppendOutput:
			if len(v.output) >= MaxOutputEntries {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterOutputOverflow, "VM.run",
					"output array exceeded %d entries", MaxOutputEntries)
			}
			v.output = append(v.output, v.regs[in.SrcA])
		case OpSetOutputAt:
			if in.OutputIdx < 0 || in.OutputIdx >= MaxOutputEntries {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterOutputIndex, "VM.run",
					"output index %d out of range", in.OutputIdx)
			}
			if len(v.output) <= in.OutputIdx {
				grown := make([]rowcodec.Value, in.OutputIdx+1)
				copy(grown, v.output)
				v.output = grown
			}
			v.output[in.OutputIdx] = v.regs[in.SrcA]
		case OpLoadConstNull:
			if err := v.setReg(in.Dst, rowcodec.Value{Null: true}); err != nil {
				return err
			}
		case OpLoadConst16, OpLoadConst32, OpLoadConst64:
			if err := v.setReg(in.Dst, in.Const); err != nil {
				return err
			}
		case OpLoadConstMem:
			dst, err := v.memSlice(in.MemOffset, len(in.Const.Bytes))
			if err != nil {
				return err
			}
			copy(dst, in.Const.Bytes)
		case OpReadUint8MemToReg:
			src, err := v.memSlice(in.MemOffset, 1)
			if err != nil {
				return err
			}
			if err := v.setReg(in.Dst, rowcodec.Value{I64: int64(src[0])}); err != nil {
				return err
			}
		case OpReadUint16MemToReg:
			src, err := v.memSlice(in.MemOffset, 2)
			if err != nil {
				return err
			}
			if err := v.setReg(in.Dst, rowcodec.Value{I64: int64(binary.LittleEndian.Uint16(src))}); err != nil {
				return err
			}
		case OpReadUint32MemToReg:
			src, err := v.memSlice(in.MemOffset, 4)
			if err != nil {
				return err
			}
			if err := v.setReg(in.Dst, rowcodec.Value{I64: int64(binary.LittleEndian.Uint32(src))}); err != nil {
				return err
			}
		case OpReadInt64MemToReg:
			src, err := v.memSlice(in.MemOffset, 8)
			if err != nil {
				return err
			}
			if err := v.setReg(in.Dst, rowcodec.Value{I64: int64(binary.LittleEndian.Uint64(src))}); err != nil {
				return err
			}
		case OpWriteUint8RegToMem:
			dst, err := v.memSlice(in.MemOffset, 1)
			if err != nil {
				return err
			}
			dst[0] = byte(v.regs[in.SrcA].AsI64())
		case OpWriteUint16RegToMem:
			dst, err := v.memSlice(in.MemOffset, 2)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint16(dst, uint16(v.regs[in.SrcA].AsI64()))
		case OpWriteUint32RegToMem:
			dst, err := v.memSlice(in.MemOffset, 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(dst, uint32(v.regs[in.SrcA].AsI64()))
		case OpWriteInt64RegToMem:
			dst, err := v.memSlice(in.MemOffset, 8)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(dst, uint64(v.regs[in.SrcA].AsI64()))
		case OpReadAttrToMem:
			if in.AttrIdx < 0 || in.AttrIdx >= len(v.row.Values) {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.run",
					"attribute index %d out of range", in.AttrIdx)
			}
			val := v.row.Get(in.AttrIdx)
			dst, err := v.memSlice(in.MemOffset, len(val.Bytes))
			if err != nil {
				return err
			}
			copy(dst, val.Bytes)
		case OpWriteAttrFromMem:
			if in.AttrIdx < 0 {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.run",
					"attribute index %d out of range", in.AttrIdx)
			}
			src, err := v.memSlice(in.MemOffset, in.MemLen)
			if err != nil {
				return err
			}
			buf := make([]byte, len(src))
			copy(buf, src)
			v.row.Set(in.AttrIdx, rowcodec.Value{Bytes: buf})
		case OpAppendAttrFromMem:
			if in.AttrIdx < 0 || in.AttrIdx >= len(v.row.Values) {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.run",
					"attribute index %d out of range", in.AttrIdx)
			}
			src, err := v.memSlice(in.MemOffset, in.MemLen)
			if err != nil {
				return err
			}
			cur := v.row.Get(in.AttrIdx)
			if cur.Null {
				return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterAppendNull, "VM.run",
					"cannot append to a NULL attribute %d", in.AttrIdx)
			}
			grown := make([]byte, len(cur.Bytes)+len(src))
			copy(grown, cur.Bytes)
			copy(grown[len(cur.Bytes):], src)
			v.row.Set(in.AttrIdx, rowcodec.Value{Bytes: grown})
		case OpLike, OpNotLike:
			a := v.regs[in.SrcA]
			matched := !a.Null && likeMatch(a.Bytes, in.Pattern)
			if in.Op == OpNotLike {
				matched = !a.Null && !matched
			}
			if matched {
				next = in.Target
			}
		case OpBranchAttrOp:
			lhs := v.regs[in.SrcA]
			var rhs rowcodec.Value
			if in.Source == SourceAttr {
				if in.AttrIdx < 0 || in.AttrIdx >= len(v.row.Values) {
					return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterMemoryOffset, "VM.run",
						"attribute index %d out of range", in.AttrIdx)
				}
				rhs = v.row.Get(in.AttrIdx)
			} else {
				rhs = v.regs[in.SrcB]
			}
			if evalNullAwareBranch(in.Branch, in.NullSem, lhs, rhs, in.Charset) {
				next = in.Target
			}
		case OpBranchRegEQNull:
			if v.regs[in.SrcA].Null {
				next = in.Target
			}
		case OpBranchRegNENull:
			if !v.regs[in.SrcA].Null {
				next = in.Target
			}
		case OpHalt, OpExitOK, OpExitOKLast:
			halt = true
		case OpExitRefuse:
			v.refused = true
			v.refuseReason = in.Reason
			halt = true
		default:
			return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterNoInstruction, "VM.run",
				"unrecognized opcode %d", in.Op)
		}

		if halt {
			return nil
		}
		pc = next
	}
}

func (v *VM) setReg(r Reg, val rowcodec.Value) error {
	if len(val.Bytes) > 0 {
		words := (len(val.Bytes) + 3) / 4
		v.heap += words
		if v.heap > MaxHeapWords {
			return rerr.New(rerr.KindInterpreter, rerr.TagInterpreterWriteSizeTooBig, "VM.setReg",
				"heap scratch exceeded %d words", MaxHeapWords)
		}
	}
	v.regs[r] = val
	return nil
}

func evalBranch(op BranchOp, cmp int) bool {
	switch op {
	case BranchEQ:
		return cmp == 0
	case BranchNE:
		return cmp != 0
	case BranchLT:
		return cmp < 0
	case BranchLE:
		return cmp <= 0
	case BranchGT:
		return cmp > 0
	case BranchGE:
		return cmp >= 0
	default:
		return false
	}
}

// compare returns -1/0/1 comparing a to b, ordering NULLs before any
// non-NULL value (spec.md §4.7's BRANCH_ATTR_OP semantics). String/binary
// payloads compare under charset: CharsetBinary and CharsetUTF8CaseSensitive
// both use raw byte ordering (collation adds nothing over a direct byte
// comparison once case is significant); CharsetUTF8CaseInsensitive defers to
// a Unicode case-insensitive collator so e.g. "Widget" and "widget" compare
// equal the way a case-insensitive column charset would in the original
// storage engine.
func compare(a, b rowcodec.Value, charset schema.CharsetID) int {
	if a.Null && b.Null {
		return 0
	}
	if a.Null {
		return -1
	}
	if b.Null {
		return 1
	}
	if a.Bytes != nil || b.Bytes != nil {
		if charset == schema.CharsetUTF8CaseInsensitive {
			return collate.New(language.Und, collate.IgnoreCase).CompareString(string(a.Bytes), string(b.Bytes))
		}
		switch {
		case string(a.Bytes) < string(b.Bytes):
			return -1
		case string(a.Bytes) > string(b.Bytes):
			return 1
		default:
			return 0
		}
	}
	av, bv := a.AsI64(), b.AsI64()
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// evalNullAwareBranch evaluates a BRANCH_ATTR_OP comparison under mode's
// NULL-semantics (spec.md §4.7's 2-bit NULL-semantics field).
func evalNullAwareBranch(op BranchOp, mode NullMode, a, b rowcodec.Value, charset schema.CharsetID) bool {
	switch mode {
	case NullEqualsNull:
		if a.Null || b.Null {
			eq := a.Null == b.Null
			switch op {
			case BranchEQ:
				return eq
			case BranchNE:
				return !eq
			default:
				return false
			}
		}
	case NullSQL:
		if a.Null || b.Null {
			return false
		}
	}
	return evalBranch(op, compare(a, b, charset))
}

// likeMatch reports whether s matches pattern under SQL LIKE semantics:
// '%' matches any run of bytes (including none), '_' matches exactly one
// byte, any other byte matches itself literally.
func likeMatch(s, pattern []byte) bool {
	// dp[i][j] is whether s[i:] matches pattern[j:].
	sn, pn := len(s), len(pattern)
	dp := make([][]bool, sn+1)
	for i := range dp {
		dp[i] = make([]bool, pn+1)
	}
	dp[sn][pn] = true
	for j := pn - 1; j >= 0; j-- {
		if pattern[j] == '%' {
			dp[sn][j] = dp[sn][j+1]
		}
	}
	for i := sn - 1; i >= 0; i-- {
		for j := pn - 1; j >= 0; j-- {
			switch pattern[j] {
			case '%':
				dp[i][j] = dp[i+1][j] || dp[i][j+1]
			case '_':
				dp[i][j] = dp[i+1][j+1]
			default:
				dp[i][j] = s[i] == pattern[j] && dp[i+1][j+1]
			}
		}
	}
	return dp[0][0]
}

func (v *VM) arith(in Instr) (rowcodec.Value, error) {
	a, b := v.regs[in.SrcA], v.regs[in.SrcB]
	if a.Null || b.Null {
		return rowcodec.Value{}, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterRegisterInit, "VM.arith",
			"opcode %v used a NULL register as an arithmetic operand", in.Op)
	}
	x, y := a.AsI64(), b.AsI64()
	switch in.Op {
	case OpAdd:
		return rowcodec.Value{I64: x + y}, nil
	case OpSub:
		return rowcodec.Value{I64: x - y}, nil
	case OpMul:
		return rowcodec.Value{I64: x * y}, nil
	case OpDiv:
		if y == 0 {
			return rowcodec.Value{}, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterDivByZero, "VM.arith", "division by zero")
		}
		return rowcodec.Value{I64: x / y}, nil
	case OpMod:
		if y == 0 {
			return rowcodec.Value{}, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterDivByZero, "VM.arith", "modulo by zero")
		}
		return rowcodec.Value{I64: x % y}, nil
	case OpAnd:
		return rowcodec.Value{I64: x & y}, nil
	case OpOr:
		return rowcodec.Value{I64: x | y}, nil
	case OpXor:
		return rowcodec.Value{I64: x ^ y}, nil
	case OpShl:
		if y < 0 || y >= 64 {
			return rowcodec.Value{}, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterShiftOperand, "VM.arith", "shift operand %d out of range", y)
		}
		return rowcodec.Value{I64: x << uint(y)}, nil
	case OpShr:
		if y < 0 || y >= 64 {
			return rowcodec.Value{}, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterShiftOperand, "VM.arith", "shift operand %d out of range", y)
		}
		return rowcodec.Value{I64: x >> uint(y)}, nil
	default:
		return rowcodec.Value{}, rerr.New(rerr.KindInterpreter, rerr.TagInterpreterNoInstruction, "VM.arith", "opcode %v is not arithmetic", in.Op)
	}
}
