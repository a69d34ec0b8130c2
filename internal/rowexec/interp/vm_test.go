package interp

import (
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

func rowWithInt(v int64) *rowcodec.Expanded {
	r := &rowcodec.Expanded{Values: make([]rowcodec.Value, 1)}
	r.Set(0, rowcodec.Value{I64: v})
	return r
}

func TestLoadAttrCompareBranchOutput(t *testing.T) {
	row := rowWithInt(42)
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadAttr, Dst: 0, AttrIdx: 0},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 10}},
			{Op: OpCmp, SrcA: 0, SrcB: 1},
			{Op: OpBranch, Branch: BranchGT, Target: 5},
			{Op: OpHalt},
			{Op: OpAppendOutput, SrcA: 0},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := vm.Output()
	if len(out) != 1 || out[0].I64 != 42 {
		t.Fatalf("expected output [42], got %+v", out)
	}
}

func TestArithmeticAndStoreAttr(t *testing.T) {
	row := rowWithInt(5)
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadAttr, Dst: 0, AttrIdx: 0},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 3}},
			{Op: OpAdd, Dst: 2, SrcA: 0, SrcB: 1},
			{Op: OpStoreAttr, SrcA: 2, AttrIdx: 0},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if row.Get(0).I64 != 8 {
		t.Fatalf("expected attribute updated to 8, got %v", row.Get(0))
	}
}

func TestDivByZeroReturnsInterpreterError(t *testing.T) {
	row := rowWithInt(5)
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadConst, Dst: 0, Const: rowcodec.Value{I64: 1}},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 0}},
			{Op: OpDiv, Dst: 2, SrcA: 0, SrcB: 1},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err == nil {
		t.Fatal("expected division-by-zero error, got nil")
	}
}

func TestCallSubroutineAndReturn(t *testing.T) {
	row := rowWithInt(7)
	prog := &Program{
		Exec: []Instr{
			{Op: OpCall, Sub: 0},
			{Op: OpAppendOutput, SrcA: 3},
		},
		Subroutines: [][]Instr{
			{
				{Op: OpLoadConst, Dst: 3, Const: rowcodec.Value{I64: 99}},
				{Op: OpReturn},
			},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	out := vm.Output()
	if len(out) != 1 || out[0].I64 != 99 {
		t.Fatalf("expected [99], got %+v", out)
	}
}

func TestReturnWithEmptyStackFails(t *testing.T) {
	row := rowWithInt(1)
	prog := &Program{Exec: []Instr{{Op: OpReturn}}}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err == nil {
		t.Fatal("expected stack-underflow error, got nil")
	}
}

func TestInstructionLimitIsEnforced(t *testing.T) {
	row := rowWithInt(1)
	code := make([]Instr, 1)
	code[0] = Instr{Op: OpJump, Target: 0}
	prog := &Program{Exec: code}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err == nil {
		t.Fatal("expected too-many-instructions error from an infinite loop, got nil")
	}
}

func TestCaseInsensitiveCharsetComparesEqual(t *testing.T) {
	row := &rowcodec.Expanded{Values: make([]rowcodec.Value, 1)}
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadConst, Dst: 0, Const: rowcodec.Value{Bytes: []byte("Widget")}},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{Bytes: []byte("widget")}},
			{Op: OpCmp, SrcA: 0, SrcB: 1, Charset: schema.CharsetUTF8CaseInsensitive},
			{Op: OpBranch, Branch: BranchEQ, Target: 6},
			{Op: OpLoadConst, Dst: 2, Const: rowcodec.Value{I64: 0}},
			{Op: OpAppendOutput, SrcA: 2},
			{Op: OpHalt},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(vm.Output()) != 0 {
		t.Fatalf("expected the case-insensitive branch to skip the mismatch output, got %+v", vm.Output())
	}
}

func TestBinaryCharsetComparesByteCase(t *testing.T) {
	row := &rowcodec.Expanded{Values: make([]rowcodec.Value, 1)}
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadConst, Dst: 0, Const: rowcodec.Value{Bytes: []byte("Widget")}},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{Bytes: []byte("widget")}},
			{Op: OpCmp, SrcA: 0, SrcB: 1},
			{Op: OpBranch, Branch: BranchEQ, Target: 6},
			{Op: OpLoadConst, Dst: 2, Const: rowcodec.Value{I64: 1}},
			{Op: OpAppendOutput, SrcA: 2},
			{Op: OpHalt},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out := vm.Output(); len(out) != 1 || out[0].I64 != 1 {
		t.Fatalf("expected the default binary charset to treat the strings as distinct, got %+v", out)
	}
}

func TestNullOperandRejectsArithmeticWithRegisterInit(t *testing.T) {
	row := rowWithInt(1)
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadConst, Dst: 0, Const: rowcodec.Value{Null: true}},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 4}},
			{Op: OpAdd, Dst: 2, SrcA: 0, SrcB: 1},
			{Op: OpAppendOutput, SrcA: 2},
		},
	}
	vm := New(prog, row)
	err := vm.Run(RegionExec)
	if err == nil {
		t.Fatal("expected a register-init error using a NULL operand in arithmetic, got nil")
	}
	ierr, ok := err.(*rerr.Error)
	if !ok || ierr.Tag != rerr.TagInterpreterRegisterInit {
		t.Fatalf("expected TagInterpreterRegisterInit, got %+v", err)
	}
}

func TestAppendAttrFromMemGrowsVarcharInPlace(t *testing.T) {
	row := &rowcodec.Expanded{Values: make([]rowcodec.Value, 1)}
	row.Set(0, rowcodec.Value{Bytes: []byte("abc")})
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadConstMem, MemOffset: 0, Const: rowcodec.Value{Bytes: []byte("de")}},
			{Op: OpAppendAttrFromMem, AttrIdx: 0, MemOffset: 0, MemLen: 2},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := string(row.Get(0).Bytes); got != "abcde" {
		t.Fatalf("expected appended value %q, got %q", "abcde", got)
	}
}

func TestExitRefuseCarriesReasonAndProducesNoOutput(t *testing.T) {
	row := rowWithInt(1)
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadAttr, Dst: 0, AttrIdx: 0},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 99}},
			{Op: OpCmp, SrcA: 0, SrcB: 1},
			{Op: OpBranch, Branch: BranchEQ, Target: 4},
			{Op: OpExitRefuse, Reason: 7},
			{Op: OpAppendOutput, SrcA: 0},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	refused, reason := vm.Refused()
	if !refused || reason != 7 {
		t.Fatalf("expected refused=true reason=7, got refused=%v reason=%d", refused, reason)
	}
	if len(vm.Output()) != 0 {
		t.Fatalf("expected zero output bytes on a refusal, got %+v", vm.Output())
	}
}

func TestLikeMatchesWildcardPattern(t *testing.T) {
	row := &rowcodec.Expanded{Values: make([]rowcodec.Value, 1)}
	prog := &Program{
		Exec: []Instr{
			{Op: OpLoadConst, Dst: 0, Const: rowcodec.Value{Bytes: []byte("widget-42")}},
			{Op: OpLike, SrcA: 0, Pattern: []byte("widget-%"), Target: 3},
			{Op: OpExitRefuse, Reason: 1},
			{Op: OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 1}},
			{Op: OpAppendOutput, SrcA: 1},
		},
	}
	vm := New(prog, row)
	if err := vm.Run(RegionExec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if refused, _ := vm.Refused(); refused {
		t.Fatal("expected the LIKE pattern to match and avoid the refusal branch")
	}
	if out := vm.Output(); len(out) != 1 || out[0].I64 != 1 {
		t.Fatalf("expected [1], got %+v", out)
	}
}
