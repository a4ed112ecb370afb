package marklar

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/drivehappy/marklar-go/internal/irgen"
)

// ----------------------------------------------------------------------------
// Code generation

// This section is the code-generation visitor: one handler per AST node variant, each
// mutating the irgen builder's insertion point, the current function's block list and
// the current ScopeTable. Non-fatal diagnostics (shadowing, unreachable code) are
// written to 'out'; everything except a duplicate parameter or local definition aborts
// the whole compile immediately (a duplicate top-level function included).

// funcInfo is what the module-global function map carries per declared name.
type funcInfo struct {
	Value      irgen.Value
	ParamTypes []string
	ReturnType string
}

// Lowerer drives the AST -> IR pass over an entire Program.
type Lowerer struct {
	ctx       *irgen.Context
	out       io.Writer
	userTypes map[string]UserType
	functions map[string]funcInfo
	scopes    *ScopeTable

	printfVariants map[string]irgen.Value

	// Duplicate parameter and local definitions are reported but don't stop the pass, so that further
	// errors can still be found; the first one recorded here is returned once the
	// whole Program has been walked, failing the compile.
	deferred []error

	currentFn          irgen.Value
	currentRetvalSlot  irgen.Value
	currentRetvalWidth int
	currentReturnBB    irgen.Block
}

// NewLowerer returns a Lowerer that emits into ctx and writes diagnostics to out.
func NewLowerer(ctx *irgen.Context, out io.Writer) *Lowerer {
	return &Lowerer{
		ctx:            ctx,
		out:            out,
		userTypes:      make(map[string]UserType),
		functions:      make(map[string]funcInfo),
		scopes:         NewScopeTable(),
		printfVariants: make(map[string]irgen.Value),
	}
}

func (l *Lowerer) warn(format string, args ...any) {
	fmt.Fprintf(l.out, "warning: "+format+"\n", args...)
}

func (l *Lowerer) report(err error) {
	fmt.Fprintf(l.out, "ERROR: %s\n", err)
	l.deferred = append(l.deferred, err)
}

// Lower walks every top-level node of prog in order. Duplicate parameter and local
// definitions found along the way don't abort the walk but still fail the pass at the
// end; a duplicate top-level function aborts it at once.
func (l *Lowerer) Lower(prog *Program) error {
	for _, child := range prog.Children {
		switch node := child.(type) {
		case *UserType:
			l.HandleUserType(node)
		case *Function:
			if err := l.HandleFunction(node); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("marklar: unexpected top-level node %T", child))
		}
	}
	if len(l.deferred) > 0 {
		return l.deferred[0]
	}
	return nil
}

// HandleUserType registers a type's name and field list. No IR is emitted: an
// aggregate IR type is never materialised for a user type.
func (l *Lowerer) HandleUserType(ut *UserType) {
	l.userTypes[ut.Name] = *ut
}

// irType resolves a Marklar type name to an irgen.Type plus its bit width. UserType
// names validate but have no IR representation, so using one in a codegen position
// surfaces as UnknownTypeError even though the name itself is registered.
func (l *Lowerer) irType(name string) (irgen.Type, int, error) {
	if w, ok := IntWidth(name); ok {
		return l.ctx.IntType(w), w, nil
	}
	if err := ResolveType(name, l.userTypes); err != nil {
		return irgen.Type{}, 0, err
	}
	return irgen.Type{}, 0, &UnknownTypeError{TypeName: name}
}

// HandleFunction lowers one Function: declare the signature, open the entry block,
// set up the single-exit return slot and block, bind the parameters, lower the body,
// then seal the return block and verify.
func (l *Lowerer) HandleFunction(fn *Function) error {
	if _, exists := l.functions[fn.Name]; exists {
		return &DuplicateDefinitionError{Name: fn.Name}
	}

	retType, retWidth, err := l.irType(fn.ReturnType)
	if err != nil {
		return err
	}

	paramTypeNames := make([]string, len(fn.Params))
	paramIRTypes := make([]irgen.Type, len(fn.Params))
	for i, p := range fn.Params {
		t, _, err := l.irType(p.TypeName)
		if err != nil {
			return err
		}
		paramTypeNames[i] = p.TypeName
		paramIRTypes[i] = t
	}

	fnValue := l.ctx.DeclareFunction(fn.Name, retType, paramIRTypes, false)
	l.functions[fn.Name] = funcInfo{Value: fnValue, ParamTypes: paramTypeNames, ReturnType: fn.ReturnType}

	entry := l.ctx.NewBlock(fnValue, fn.Name)
	l.ctx.SetInsertPoint(entry)

	l.currentFn = fnValue
	l.currentRetvalWidth = retWidth
	l.currentRetvalSlot = l.ctx.AllocaInEntry(fnValue, retType, "__retval__")
	l.ctx.Store(l.ctx.ConstInt(retType, 0, false), l.currentRetvalSlot)
	// The return block's handle is a lowerer field rather than a table binding: the
	// table maps names to IR values only, and no Marklar expression can name a block.
	l.currentReturnBB = l.ctx.NewBlock(fnValue, "return")

	// The return slot shares one scope level with the parameters and the body's own
	// declarations, so a user-level 'i32 __retval__;' collides as a duplicate instead
	// of silently shadowing the slot.
	l.scopes.Push()
	l.scopes.Declare("__retval__", Variable{TypeName: fn.ReturnType, Slot: l.currentRetvalSlot})
	for i, p := range fn.Params {
		v := Variable{TypeName: p.TypeName, Slot: fnValue.Param(i)}
		if err := l.scopes.Declare(p.Name, v); err != nil {
			l.report(err)
		}
	}

	_, bodyErr := l.lowerBody(fn.Body)
	if bodyErr != nil {
		if _, ok := bodyErr.(*UnresolvedSymbolError); ok {
			fmt.Fprintf(l.out, "symbols visible at failure: %v\n", l.scopes.VisibleNames())
		}
	}
	l.scopes.Pop()
	if bodyErr != nil {
		return bodyErr
	}

	l.ctx.SetInsertPoint(l.currentReturnBB)
	retVal := l.ctx.Load(l.currentRetvalSlot, "retval")
	l.ctx.Ret(retVal)

	if err := l.ctx.VerifyFunction(fnValue); err != nil {
		return &VerifierFailureError{Function: fn.Name, Message: err.Error()}
	}
	return nil
}

// lowerBody lowers an ordered statement list, stopping at the first terminator and
// warning once if statements were dropped as unreachable.
func (l *Lowerer) lowerBody(stmts []Statement) (terminated bool, err error) {
	for i, stmt := range stmts {
		term, err := l.HandleStatement(stmt)
		if err != nil {
			if _, ok := err.(*DuplicateDefinitionError); ok {
				l.report(err)
				continue
			}
			return false, err
		}
		if term {
			if i+1 < len(stmts) {
				l.warn("unreachable code after a terminating statement")
			}
			return true, nil
		}
	}
	return false, nil
}

// HandleStatement dispatches one statement to its concrete handler.
func (l *Lowerer) HandleStatement(stmt Statement) (terminated bool, err error) {
	switch s := stmt.(type) {
	case *LiteralStatement:
		return false, nil

	case *Definition:
		return false, l.HandleDefinition(s)

	case *Declaration:
		return false, l.HandleDeclaration(s)

	case *Assignment:
		return false, l.HandleAssignment(s)

	case *Return:
		return true, l.HandleReturn(s)

	case *Call:
		_, _, err := l.lowerCall(s)
		return false, err

	case *If:
		return l.HandleIf(s)

	case *While:
		return l.HandleWhile(s)

	default:
		panic(fmt.Sprintf("marklar: unexpected statement node %T", stmt))
	}
}

// HandleDefinition allocates storage for a name declared without an initializer.
func (l *Lowerer) HandleDefinition(d *Definition) error {
	t, _, err := l.irType(d.TypeName)
	if err != nil {
		return err
	}
	slot := l.ctx.AllocaInEntry(l.currentFn, t, d.Name)
	return l.scopes.Declare(d.Name, Variable{TypeName: d.TypeName, Slot: slot})
}

// HandleDeclaration lowers a 'TypeName Ident = Init?' statement.
func (l *Lowerer) HandleDeclaration(d *Declaration) error {
	t, width, err := l.irType(d.TypeName)
	if err != nil {
		return err
	}

	_, visibleBefore := l.scopes.Lookup(d.Name)

	slot := l.ctx.AllocaInEntry(l.currentFn, t, d.Name)
	if err := l.scopes.Declare(d.Name, Variable{TypeName: d.TypeName, Slot: slot}); err != nil {
		return err
	}
	// The name resolved before this declaration but wasn't a duplicate in this exact
	// scope, so it shadows a binding from an enclosing one.
	if visibleBefore {
		l.warn("declaration of '%s' shadows an outer binding", d.Name)
	}

	if d.Init != nil {
		val, valWidth, err := l.lowerValue(d.Init)
		if err != nil {
			return err
		}
		l.ctx.Store(l.castToWidth(val, valWidth, width), slot)
	}
	return nil
}

// HandleAssignment stores Rhs into the already-declared variable Name.
func (l *Lowerer) HandleAssignment(a *Assignment) error {
	val, width, err := l.lowerValue(a.Rhs)
	if err != nil {
		return err
	}

	target, ok := l.scopes.Lookup(a.Name)
	if !ok {
		return &UnresolvedSymbolError{Name: a.Name}
	}

	if l.ctx.IsPointer(val) {
		val = l.ctx.Load(val, "tmp")
	}

	targetWidth, _ := IntWidth(target.TypeName)
	l.ctx.Store(l.castToWidth(val, width, targetWidth), target.Slot)
	return nil
}

// HandleReturn lowers a return statement per the single-exit convention: store the
// value into the return slot and branch to the shared return block.
func (l *Lowerer) HandleReturn(r *Return) error {
	val, width, err := l.lowerValue(r.Value)
	if err != nil {
		return err
	}
	l.ctx.Store(l.castToWidth(val, width, l.currentRetvalWidth), l.currentRetvalSlot)
	l.ctx.Br(l.currentReturnBB)
	return nil
}

// HandleIf lowers a two-way conditional. The merge block 'if.end' is created only once
// both branches are known not to have both self-terminated: this is what avoids
// leaving a terminator-less, unreachable block in the final module.
func (l *Lowerer) HandleIf(i *If) (terminated bool, err error) {
	cond, err := l.lowerCond(i.Cond)
	if err != nil {
		return false, err
	}

	thenBB := l.ctx.NewBlock(l.currentFn, "if.then")
	elseBB := l.ctx.NewBlock(l.currentFn, "if.else")
	l.ctx.CondBr(cond, thenBB, elseBB)

	// Nested control flow inside a branch moves the builder past the block we created
	// for it, so the fall-through branch to if.end must come from wherever the body
	// actually ended, not from the block it started in.
	l.ctx.SetInsertPoint(thenBB)
	l.scopes.Push()
	thenTerm, err := l.lowerBody(i.ThenBody)
	l.scopes.Pop()
	if err != nil {
		return false, err
	}
	thenExit := l.ctx.InsertBlock()

	l.ctx.SetInsertPoint(elseBB)
	l.scopes.Push()
	elseTerm, err := l.lowerBody(i.ElseBody)
	l.scopes.Pop()
	if err != nil {
		return false, err
	}
	elseExit := l.ctx.InsertBlock()

	if thenTerm && elseTerm {
		return true, nil
	}

	endBB := l.ctx.NewBlock(l.currentFn, "if.end")
	if !thenTerm {
		l.ctx.SetInsertPoint(thenExit)
		l.ctx.Br(endBB)
	}
	if !elseTerm {
		l.ctx.SetInsertPoint(elseExit)
		l.ctx.Br(endBB)
	}
	l.ctx.SetInsertPoint(endBB)
	return false, nil
}

// HandleWhile lowers a pre-tested loop.
func (l *Lowerer) HandleWhile(w *While) (terminated bool, err error) {
	condBB := l.ctx.NewBlock(l.currentFn, "while.cond")
	bodyBB := l.ctx.NewBlock(l.currentFn, "while.body")
	endBB := l.ctx.NewBlock(l.currentFn, "while.end")

	l.ctx.Br(condBB)

	l.ctx.SetInsertPoint(condBB)
	cond, err := l.lowerCond(w.Cond)
	if err != nil {
		return false, err
	}
	l.ctx.CondBr(cond, bodyBB, endBB)

	l.ctx.SetInsertPoint(bodyBB)
	l.scopes.Push()
	bodyTerm, err := l.lowerBody(w.Body)
	l.scopes.Pop()
	if err != nil {
		return false, err
	}
	if !bodyTerm {
		l.ctx.Br(condBB)
	}

	l.ctx.SetInsertPoint(endBB)
	return false, nil
}

// lowerCond lowers an If/While condition. The conditional branch needs an i1; a
// condition using no comparison operator won't produce one and is instead caught by
// the verifier at the end of HandleFunction.
func (l *Lowerer) lowerCond(cond BinaryOp) (irgen.Value, error) {
	val, _, err := l.lowerBinaryOp(&cond)
	return val, err
}

// lowerValue is the general expression dispatcher, returning the lowered value and its
// integer bit width (-1 for string/pointer results, which never participate in the
// cast rule).
func (l *Lowerer) lowerValue(n Node) (irgen.Value, int, error) {
	switch v := n.(type) {
	case *Identifier:
		return l.lowerIdentifier(v)
	case *Call:
		return l.lowerCall(v)
	case *BinaryOp:
		return l.lowerBinaryOp(v)
	default:
		panic(fmt.Sprintf("marklar: unexpected expression node %T", n))
	}
}

// lowerIdentifier resolves a leaf reference: a bound pointer-typed slot is loaded, a
// bound SSA value (a parameter) is returned as-is, an all-digit name becomes a 32-bit
// constant (one too large for 32 bits is unresolved), a quoted string becomes a global
// constant with escape processing.
func (l *Lowerer) lowerIdentifier(id *Identifier) (irgen.Value, int, error) {
	if v, ok := l.scopes.Lookup(id.Name); ok {
		width, _ := IntWidth(v.TypeName)
		if l.ctx.IsPointer(v.Slot) {
			return l.ctx.Load(v.Slot, id.Name), width, nil
		}
		return v.Slot, width, nil
	}

	if isAllDigits(id.Name) {
		n, err := strconv.ParseUint(id.Name, 10, 32)
		if err != nil {
			return irgen.Value{}, 0, &UnresolvedSymbolError{Name: id.Name}
		}
		return l.ctx.ConstInt(l.ctx.IntType(32), n, false), 32, nil
	}

	if isQuotedString(id.Name) {
		raw := id.Name[1 : len(id.Name)-1]
		return l.ctx.GlobalString(unescapeNewlines(raw)), -1, nil
	}

	return irgen.Value{}, 0, &UnresolvedSymbolError{Name: id.Name}
}

// lowerCall lowers a call: arguments lower first (left-to-right, so their side effects
// stay in program order),
// then the callee resolves either to a per-signature printf variant or to a declared
// function.
func (l *Lowerer) lowerCall(c *Call) (irgen.Value, int, error) {
	argVals := make([]irgen.Value, len(c.Args))
	argWidths := make([]int, len(c.Args))
	for i, a := range c.Args {
		v, w, err := l.lowerValue(a)
		if err != nil {
			return irgen.Value{}, 0, err
		}
		argVals[i] = v
		argWidths[i] = w
	}

	if c.Callee == "printf" {
		return l.lowerPrintfCall(argVals, argWidths)
	}

	info, ok := l.functions[c.Callee]
	if !ok {
		return irgen.Value{}, 0, &UnknownCalleeError{Callee: c.Callee}
	}
	if len(argVals) != len(info.ParamTypes) {
		return irgen.Value{}, 0, &ArityMismatchError{Callee: c.Callee, Expected: len(info.ParamTypes), Got: len(argVals)}
	}

	finalArgs := make([]irgen.Value, len(argVals))
	for i, v := range argVals {
		paramWidth, _ := IntWidth(info.ParamTypes[i])
		finalArgs[i] = l.castToWidth(v, argWidths[i], paramWidth)
	}

	retWidth, _ := IntWidth(info.ReturnType)
	result := l.ctx.Call(info.Value, finalArgs, "call")
	return result, retWidth, nil
}

// lowerPrintfCall handles the per-call-site printf mangling: a fresh variadic
// declaration is created per distinct argument signature. Name collisions resolve by
// appending "1" until the name is free, so the first signature owns "printf", the
// next "printf1", then "printf11", and so on.
func (l *Lowerer) lowerPrintfCall(argVals []irgen.Value, argWidths []int) (irgen.Value, int, error) {
	key := printfSignatureKey(argWidths)

	fnValue, ok := l.printfVariants[key]
	if !ok {
		name := "printf" + strings.Repeat("1", len(l.printfVariants))
		paramTypes := make([]irgen.Type, len(argWidths))
		for i, w := range argWidths {
			paramTypes[i] = l.irTypeForWidth(w)
		}
		fnValue = l.ctx.DeclareFunction(name, l.ctx.IntType(32), paramTypes, true)
		if len(paramTypes) > 0 {
			l.ctx.MarkNoAlias(fnValue, 0)
		}
		l.printfVariants[key] = fnValue
	}

	result := l.ctx.Call(fnValue, argVals, "")
	return result, 32, nil
}

// irTypeForWidth maps a lowered value's width (32, 64, or -1 for a string pointer) back
// to an irgen.Type, for constructing a printf variant's declared parameter types.
func (l *Lowerer) irTypeForWidth(width int) irgen.Type {
	if width < 0 {
		return l.ctx.PointerType(l.ctx.Int8Type())
	}
	return l.ctx.IntType(width)
}

func printfSignatureKey(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, ",")
}

// lowerBinaryOp folds an operator chain: evaluate Lhs, then each (Op, Rhs) pair
// left-to-right, equalising widths before every operator.
func (l *Lowerer) lowerBinaryOp(b *BinaryOp) (irgen.Value, int, error) {
	acc, accWidth, err := l.lowerValue(b.Lhs)
	if err != nil {
		return irgen.Value{}, 0, err
	}

	for _, term := range b.Ops {
		rhs, rhsWidth, err := l.lowerValue(term.Rhs)
		if err != nil {
			return irgen.Value{}, 0, err
		}
		rhs = l.castToWidth(rhs, rhsWidth, accWidth)

		result, isComparison, err := l.applyOp(term.Op, acc, rhs)
		if err != nil {
			return irgen.Value{}, 0, err
		}
		acc = result
		if isComparison {
			accWidth = 1
		}
	}
	return acc, accWidth, nil
}

// applyOp emits the primitive instruction for one operator token.
func (l *Lowerer) applyOp(op string, lhs, rhs irgen.Value) (result irgen.Value, isComparison bool, err error) {
	switch op {
	case "+":
		return l.ctx.Add(lhs, rhs), false, nil
	case "-":
		return l.ctx.Sub(lhs, rhs), false, nil
	case "*":
		return l.ctx.Mul(lhs, rhs), false, nil
	case "/":
		return l.ctx.SDiv(lhs, rhs), false, nil
	case "%":
		return l.ctx.SRem(lhs, rhs), false, nil
	case "&", "&&":
		return l.ctx.And(lhs, rhs), false, nil
	case "||":
		return l.ctx.Or(lhs, rhs), false, nil
	case "<<":
		return l.ctx.Shl(lhs, rhs), false, nil
	case ">>":
		return l.ctx.LShr(lhs, rhs), false, nil
	case "<":
		return l.ctx.ICmp(irgen.Slt, lhs, rhs), true, nil
	case ">":
		return l.ctx.ICmp(irgen.Sgt, lhs, rhs), true, nil
	case "<=":
		return l.ctx.ICmp(irgen.Sle, lhs, rhs), true, nil
	case ">=":
		return l.ctx.ICmp(irgen.Sge, lhs, rhs), true, nil
	case "==":
		return l.ctx.ICmp(irgen.Eq, lhs, rhs), true, nil
	case "!=":
		return l.ctx.ICmp(irgen.Ne, lhs, rhs), true, nil
	default:
		return irgen.Value{}, false, &UnsupportedOperatorError{Op: op}
	}
}

// castToWidth equalises integer widths: widths equal or either side not an integer
// (width < 0, a string pointer) means no conversion; otherwise the source is
// zero-extended or truncated to match toWidth.
func (l *Lowerer) castToWidth(v irgen.Value, fromWidth, toWidth int) irgen.Value {
	if fromWidth <= 0 || toWidth <= 0 || fromWidth == toWidth {
		return v
	}
	t := l.ctx.IntType(toWidth)
	if toWidth > fromWidth {
		return l.ctx.ZExt(v, t)
	}
	return l.ctx.Trunc(v, t)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isQuotedString(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`)
}

// unescapeNewlines applies the one escape the language knows: "\n" becomes a real
// newline byte. No other escape sequence is processed.
func unescapeNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}
