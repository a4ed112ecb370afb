// Package irgen is the thin adapter between pkg/marklar's lowerer and the LLVM IR
// backend (tinygo.org/x/go-llvm): module/function/basic-block handles, an instruction
// builder, integer type constructors, a module verifier and a bitcode writer. No
// Marklar-specific naming or control-flow decisions live here: those stay in
// pkg/marklar/lowering.go.
package irgen

import (
	"fmt"
	"os"

	"tinygo.org/x/go-llvm"
)

// Value is re-exported so callers never need to import tinygo.org/x/go-llvm directly.
type Value = llvm.Value

// Block is re-exported so callers never need to import tinygo.org/x/go-llvm directly.
type Block = llvm.BasicBlock

// Type is re-exported so callers never need to import tinygo.org/x/go-llvm directly.
type Type = llvm.Type

// Predicate enumerates the signed integer comparison kinds the lowerer emits.
type Predicate int

const (
	Eq Predicate = iota
	Ne
	Slt
	Sgt
	Sle
	Sge
)

var predicateTable = map[Predicate]llvm.IntPredicate{
	Eq:  llvm.IntEQ,
	Ne:  llvm.IntNE,
	Slt: llvm.IntSLT,
	Sgt: llvm.IntSGT,
	Sle: llvm.IntSLE,
	Sge: llvm.IntSGE,
}

// Context owns one LLVM context, module and builder: the full set of live resources
// for a single compilation. The module outlives every Value it produced; the caller
// must keep the Context alive for as long as any symbol table referencing its values
// is in use, and must call Dispose exactly once when done.
type Context struct {
	ctx     llvm.Context
	module  llvm.Module
	builder llvm.Builder
}

// NewContext allocates a brand new, independent LLVM context/module/builder triple.
// Creating one per compilation (rather than relying on any process-global LLVM state)
// is what makes compiling two inputs in the same process safe.
func NewContext(moduleName string) *Context {
	ctx := llvm.NewContext()
	return &Context{
		ctx:     ctx,
		module:  ctx.NewModule(moduleName),
		builder: ctx.NewBuilder(),
	}
}

// Dispose releases the underlying cgo resources. Safe to defer immediately after
// NewContext.
func (c *Context) Dispose() {
	c.builder.Dispose()
	c.module.Dispose()
	c.ctx.Dispose()
}

// ----------------------------------------------------------------------------
// Types

// IntType returns the integer type of the given bit width: 32 or 64 for the language
// primitives, plus 1 for the comparison results that re-enter the width-cast rule when
// a chain keeps operating on an i1 accumulator.
func (c *Context) IntType(width int) Type {
	switch width {
	case 1:
		return c.ctx.Int1Type()
	case 64:
		return c.ctx.Int64Type()
	default:
		return c.ctx.Int32Type()
	}
}

// Int1Type returns the boolean/condition type produced by comparisons.
func (c *Context) Int1Type() Type { return c.ctx.Int1Type() }

// Int8Type returns the 8-bit integer type, the element type of every string constant.
func (c *Context) Int8Type() Type { return c.ctx.Int8Type() }

// PointerType returns a pointer to elem in the default address space.
func (c *Context) PointerType(elem Type) Type { return llvm.PointerType(elem, 0) }

// ----------------------------------------------------------------------------
// Functions, blocks, insertion point

// DeclareFunction looks up an existing function by name, or creates a new
// external-linkage declaration with the given signature if none exists yet.
func (c *Context) DeclareFunction(name string, retType Type, paramTypes []Type, variadic bool) Value {
	if fn := c.module.NamedFunction(name); !fn.IsNil() {
		return fn
	}
	fnType := llvm.FunctionType(retType, paramTypes, variadic)
	return llvm.AddFunction(c.module, name, fnType)
}

// LookupFunction returns the existing function declaration for name, if any.
func (c *Context) LookupFunction(name string) (Value, bool) {
	fn := c.module.NamedFunction(name)
	return fn, !fn.IsNil()
}

// NewBlock creates a basic block and appends it to fn. LLVMAppendBasicBlockInContext
// (what this wraps) always appends at the function's current end regardless of the
// builder's current insertion point, so a block's handle can be obtained (and used as
// a branch target) well before the block is populated or before control reaches it in
// program order. Block order within a function has no effect on validity.
func (c *Context) NewBlock(fn Value, name string) Block {
	return c.ctx.AddBasicBlock(fn, name)
}

// SetInsertPoint moves the builder's insertion point to the end of bb.
func (c *Context) SetInsertPoint(bb Block) { c.builder.SetInsertPointAtEnd(bb) }

// InsertBlock returns the block the builder is currently inserting into.
func (c *Context) InsertBlock() Block { return c.builder.GetInsertBlock() }

// AllocaInEntry allocates a stack slot of type t, placing it at the start of fn's entry
// block regardless of the builder's current insertion point: this is what makes the
// slot promotable to an SSA register by the downstream optimizer.
func (c *Context) AllocaInEntry(fn Value, t Type, name string) Value {
	entry := fn.FirstBasicBlock()
	tmp := c.ctx.NewBuilder()
	defer tmp.Dispose()

	if first := entry.FirstInstruction(); !first.IsNil() {
		tmp.SetInsertPointBefore(first)
	} else {
		tmp.SetInsertPointAtEnd(entry)
	}
	return tmp.CreateAlloca(t, name)
}

// ----------------------------------------------------------------------------
// Memory

func (c *Context) Load(ptr Value, name string) Value { return c.builder.CreateLoad(ptr, name) }
func (c *Context) Store(val, ptr Value) Value        { return c.builder.CreateStore(val, ptr) }
func (c *Context) IsPointer(v Value) bool            { return v.Type().TypeKind() == llvm.PointerTypeKind }
func (c *Context) IntegerBitWidth(t Type) int        { return t.IntTypeWidth() }
func (c *Context) PointerElementType(t Type) Type    { return t.ElementType() }

// ----------------------------------------------------------------------------
// Arithmetic / logical / shift

func (c *Context) Add(l, r Value) Value  { return c.builder.CreateAdd(l, r, "add") }
func (c *Context) Sub(l, r Value) Value  { return c.builder.CreateSub(l, r, "sub") }
func (c *Context) Mul(l, r Value) Value  { return c.builder.CreateMul(l, r, "mul") }
func (c *Context) SDiv(l, r Value) Value { return c.builder.CreateSDiv(l, r, "div") }
func (c *Context) SRem(l, r Value) Value { return c.builder.CreateSRem(l, r, "rem") }
func (c *Context) And(l, r Value) Value  { return c.builder.CreateAnd(l, r, "and") }
func (c *Context) Or(l, r Value) Value   { return c.builder.CreateOr(l, r, "or") }
func (c *Context) Xor(l, r Value) Value  { return c.builder.CreateXor(l, r, "xor") }
func (c *Context) Shl(l, r Value) Value  { return c.builder.CreateShl(l, r, "shl") }
func (c *Context) LShr(l, r Value) Value { return c.builder.CreateLShr(l, r, "shr") }

// ICmp emits a signed integer comparison, always producing an i1 result.
func (c *Context) ICmp(pred Predicate, l, r Value) Value {
	return c.builder.CreateICmp(predicateTable[pred], l, r, "cmp")
}

// ----------------------------------------------------------------------------
// Casts

func (c *Context) ZExt(v Value, t Type) Value  { return c.builder.CreateZExt(v, t, "conv") }
func (c *Context) Trunc(v Value, t Type) Value { return c.builder.CreateTrunc(v, t, "conv") }
func (c *Context) ConstInt(t Type, val uint64, signExtend bool) Value {
	return llvm.ConstInt(t, val, signExtend)
}

// ----------------------------------------------------------------------------
// Control flow

func (c *Context) Br(target Block) Value { return c.builder.CreateBr(target) }
func (c *Context) CondBr(cond Value, then, els Block) Value {
	return c.builder.CreateCondBr(cond, then, els)
}
func (c *Context) Ret(v Value) Value { return c.builder.CreateRet(v) }

// IsTerminator reports whether v is a branch, conditional branch, or return, i.e.
// whether the block it closes needs no further instructions.
func (c *Context) IsTerminator(v Value) bool {
	if v.IsNil() {
		return false
	}
	switch v.InstructionOpcode() {
	case llvm.Br, llvm.Ret:
		return true
	default:
		return false
	}
}

// ----------------------------------------------------------------------------
// Calls

// Call emits a call instruction. name must be "" when fn's return type is void.
func (c *Context) Call(fn Value, args []Value, name string) Value {
	return c.builder.CreateCall(fn, args, name)
}

// MarkNoAlias marks one of fn's declared parameters noalias. Attribute index 0 is the
// return value, so parameter i maps to index i+1.
func (c *Context) MarkNoAlias(fn Value, paramIndex int) {
	attr := c.ctx.CreateEnumAttribute(llvm.AttributeKindID("noalias"), 0)
	fn.AddAttributeAtIndex(paramIndex+1, attr)
}

// ----------------------------------------------------------------------------
// Globals

// GlobalString creates a private global holding value's bytes plus a NUL terminator,
// and returns a pointer to its first byte.
func (c *Context) GlobalString(value string) Value {
	return c.builder.CreateGlobalStringPtr(value, "str")
}

// ----------------------------------------------------------------------------
// Verification and output

// VerifyFunction runs the verifier scoped to a single function, so each function is
// checked as soon as it is finished.
func (c *Context) VerifyFunction(fn Value) error {
	if err := llvm.VerifyFunction(fn, llvm.ReturnStatusAction); err != nil {
		return fmt.Errorf("function '%s' failed verification: %w", fn.Name(), err)
	}
	return nil
}

// VerifyModule runs the whole-module verifier and returns its diagnostic text on
// failure.
func (c *Context) VerifyModule() error {
	return llvm.VerifyModule(c.module, llvm.ReturnStatusAction)
}

// WriteBitcode serialises the module to path in LLVM's standard bitcode format.
func (c *Context) WriteBitcode(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot open bitcode output '%s': %w", path, err)
	}
	defer f.Close()

	if err := llvm.WriteBitcodeToFile(c.module, f); err != nil {
		return fmt.Errorf("cannot write bitcode to '%s': %w", path, err)
	}
	return nil
}

// Dump returns the module's textual IR representation, used by the CLI's --emit-llvm
// mode and printed alongside verification failures.
func (c *Context) Dump() string { return c.module.String() }
