package marklar

import (
	"reflect"
	"strings"
	"testing"
)

func parse(t *testing.T, source string) *Program {
	t.Helper()
	parser := NewParser(strings.NewReader(source))
	program, err := parser.Parse()
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return program
}

func TestParseFunction(t *testing.T) {
	program := parse(t, `i32 main() { return 3; }`)

	if len(program.Children) != 1 {
		t.Fatalf("expected 1 top-level node, got %d", len(program.Children))
	}

	fn, ok := program.Children[0].(*Function)
	if !ok {
		t.Fatalf("expected *Function, got %T", program.Children[0])
	}
	if fn.ReturnType != "i32" || fn.Name != "main" {
		t.Fatalf("unexpected function signature: %+v", fn)
	}
	if len(fn.Params) != 0 {
		t.Fatalf("expected 0 params, got %d", len(fn.Params))
	}
	if len(fn.Body) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(fn.Body))
	}

	ret, ok := fn.Body[0].(*Return)
	if !ok {
		t.Fatalf("expected *Return, got %T", fn.Body[0])
	}
	id, ok := ret.Value.(*Identifier)
	if !ok || id.Name != "3" {
		t.Fatalf("expected literal '3', got %+v", ret.Value)
	}
}

func TestParseFunctionWithParams(t *testing.T) {
	program := parse(t, `i32 foo(i32 a, i64 b) { return a; }`)

	fn := program.Children[0].(*Function)
	if len(fn.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(fn.Params))
	}
	if fn.Params[0] != (Definition{TypeName: "i32", Name: "a"}) {
		t.Fatalf("unexpected param 0: %+v", fn.Params[0])
	}
	if fn.Params[1] != (Definition{TypeName: "i64", Name: "b"}) {
		t.Fatalf("unexpected param 1: %+v", fn.Params[1])
	}
}

func TestParseUserType(t *testing.T) {
	program := parse(t, `
		type Point {
			i32 x;
			i32 y;
		}
		i32 main() { return 0; }
	`)

	if len(program.Children) != 2 {
		t.Fatalf("expected 2 top-level nodes, got %d", len(program.Children))
	}

	ut, ok := program.Children[0].(*UserType)
	if !ok {
		t.Fatalf("expected *UserType, got %T", program.Children[0])
	}
	if ut.Name != "Point" || len(ut.Fields) != 2 {
		t.Fatalf("unexpected user type: %+v", ut)
	}
}

func TestParseBinaryOpIsFlatLeftAssociative(t *testing.T) {
	program := parse(t, `i32 main() { return a + b * c; }`)

	fn := program.Children[0].(*Function)
	ret := fn.Body[0].(*Return)
	bin, ok := ret.Value.(*BinaryOp)
	if !ok {
		t.Fatalf("expected *BinaryOp, got %T", ret.Value)
	}

	if len(bin.Ops) != 2 {
		t.Fatalf("expected a 2-link op chain ('+ b', '* c'), got %d links", len(bin.Ops))
	}
	if bin.Ops[0].Op != "+" || bin.Ops[1].Op != "*" {
		t.Fatalf("expected ops [+ *] in source order (no precedence), got [%s %s]", bin.Ops[0].Op, bin.Ops[1].Op)
	}
}

func TestParseIfElse(t *testing.T) {
	program := parse(t, `
		i32 main() {
			if (a == 2) { return 1; } else { return 0; }
			return 9;
		}
	`)

	fn := program.Children[0].(*Function)
	if len(fn.Body) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(fn.Body))
	}

	ifStmt, ok := fn.Body[0].(*If)
	if !ok {
		t.Fatalf("expected *If, got %T", fn.Body[0])
	}
	if ifStmt.Cond.Lhs.(*Identifier).Name != "a" {
		t.Fatalf("unexpected condition lhs: %+v", ifStmt.Cond.Lhs)
	}
	if len(ifStmt.Cond.Ops) != 1 || ifStmt.Cond.Ops[0].Op != "==" {
		t.Fatalf("expected a single '==' op, got %+v", ifStmt.Cond.Ops)
	}
	if len(ifStmt.ThenBody) != 1 || len(ifStmt.ElseBody) != 1 {
		t.Fatalf("expected 1 statement per branch, got then=%d else=%d", len(ifStmt.ThenBody), len(ifStmt.ElseBody))
	}
}

func TestParseWhile(t *testing.T) {
	program := parse(t, `
		i32 main() {
			i32 a = 2;
			while (a < 6) { a = a + 1; }
			return a;
		}
	`)

	fn := program.Children[0].(*Function)
	if len(fn.Body) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(fn.Body))
	}

	whileStmt, ok := fn.Body[1].(*While)
	if !ok {
		t.Fatalf("expected *While, got %T", fn.Body[1])
	}
	if len(whileStmt.Body) != 1 {
		t.Fatalf("expected 1 statement in the loop body, got %d", len(whileStmt.Body))
	}
	assign, ok := whileStmt.Body[0].(*Assignment)
	if !ok || assign.Name != "a" {
		t.Fatalf("expected assignment to 'a', got %+v", whileStmt.Body[0])
	}
}

func TestParseCallAndPrintf(t *testing.T) {
	program := parse(t, `i32 main() { printf("test"); return 0; }`)

	fn := program.Children[0].(*Function)
	call, ok := fn.Body[0].(*Call)
	if !ok {
		t.Fatalf("expected *Call, got %T", fn.Body[0])
	}
	if call.Callee != "printf" {
		t.Fatalf("expected callee 'printf', got %q", call.Callee)
	}
	if len(call.Args) != 1 {
		t.Fatalf("expected 1 argument, got %d", len(call.Args))
	}
	arg, ok := call.Args[0].(*Identifier)
	if !ok || arg.Name != `"test"` {
		t.Fatalf("expected quoted string literal, got %+v", call.Args[0])
	}
}

func TestParseDuplicateDeclarationIsNotAParseError(t *testing.T) {
	// Parses fine; the duplicate only surfaces later, at lowering.
	program := parse(t, `i32 main() { i32 a; i32 a; return 0; }`)

	fn := program.Children[0].(*Function)
	if len(fn.Body) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(fn.Body))
	}
	if _, ok := fn.Body[0].(*Definition); !ok {
		t.Fatalf("expected *Definition, got %T", fn.Body[0])
	}
	if _, ok := fn.Body[1].(*Definition); !ok {
		t.Fatalf("expected *Definition, got %T", fn.Body[1])
	}
}

func TestParseLoneIntLiteralStatement(t *testing.T) {
	program := parse(t, `i32 main() { 42; return 0; }`)

	fn := program.Children[0].(*Function)
	lit, ok := fn.Body[0].(*LiteralStatement)
	if !ok {
		t.Fatalf("expected *LiteralStatement, got %T", fn.Body[0])
	}
	if lit.Value != "42" {
		t.Fatalf("expected literal '42', got %q", lit.Value)
	}
}

func TestParseSkipsLineComments(t *testing.T) {
	program := parse(t, `
		// leading comment
		i32 main() { // trailing comment
			// i32 dead = 1;
			return printf("a // not a comment"); // another
		}
	`)

	fn := program.Children[0].(*Function)
	if len(fn.Body) != 1 {
		t.Fatalf("expected the commented-out statement to be skipped, got %d statements", len(fn.Body))
	}
	ret := fn.Body[0].(*Return)
	call := ret.Value.(*Call)
	if arg := call.Args[0].(*Identifier); arg.Name != `"a // not a comment"` {
		t.Fatalf("expected the string literal to survive intact, got %q", arg.Name)
	}
}

func TestParseTwiceYieldsEqualTrees(t *testing.T) {
	source := `
		i32 foo(i32 a) { return a + 1; }
		i32 main() { i32 a = 5 % 3; if (a == 2) { return foo(a); } return 0; }
	`
	first, second := parse(t, source), parse(t, source)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected structurally equal trees:\n%+v\n%+v", first, second)
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	parser := NewParser(strings.NewReader(`i32 main( { return 0; }`))
	if _, err := parser.Parse(); err == nil {
		t.Fatalf("expected a parse error for malformed input")
	}
}
