package marklar

import (
	"bytes"
	"strings"
	"testing"

	"github.com/drivehappy/marklar-go/internal/irgen"
)

// lower parses source, lowers it into a fresh irgen.Context and verifies the resulting
// module, failing the test on any error. The diagnostic writer is returned so callers
// can inspect warnings.
func lower(t *testing.T, source string) (*irgen.Context, *bytes.Buffer) {
	t.Helper()

	program := parse(t, source)

	ctx := irgen.NewContext("test")
	t.Cleanup(ctx.Dispose)

	var diagnostics bytes.Buffer
	lowerer := NewLowerer(ctx, &diagnostics)
	if err := lowerer.Lower(program); err != nil {
		t.Fatalf("unexpected lowering error: %v\ndiagnostics:\n%s", err, diagnostics.String())
	}
	if err := ctx.VerifyModule(); err != nil {
		t.Fatalf("module failed verification: %v\nIR:\n%s", err, ctx.Dump())
	}
	return ctx, &diagnostics
}

// lowerExpectingError parses source and lowers it, returning the error instead of
// failing the test, for the negative-path scenarios.
func lowerExpectingError(t *testing.T, source string) error {
	t.Helper()

	program := parse(t, source)
	ctx := irgen.NewContext("test")
	t.Cleanup(ctx.Dispose)

	var diagnostics bytes.Buffer
	lowerer := NewLowerer(ctx, &diagnostics)
	return lowerer.Lower(program)
}

func TestLowerReturnLiteral(t *testing.T) {
	ctx, _ := lower(t, `i32 main() { return 3; }`)

	ir := ctx.Dump()
	if !strings.Contains(ir, "define i32 @main()") {
		t.Fatalf("expected a definition of 'main', got:\n%s", ir)
	}
	if !strings.Contains(ir, "ret i32") {
		t.Fatalf("expected a terminating 'ret i32', got:\n%s", ir)
	}
}

func TestLowerSubtraction(t *testing.T) {
	ctx, _ := lower(t, `i32 main() { return 10 - 3; }`)

	ir := ctx.Dump()
	if !strings.Contains(ir, "sub") {
		t.Fatalf("expected a 'sub' instruction, got:\n%s", ir)
	}
}

func TestLowerModuloAndIf(t *testing.T) {
	ctx, _ := lower(t, `
		i32 main() {
			i32 a = 10;
			if (a % 2 == 0) {
				return 1;
			}
			return 0;
		}
	`)

	ir := ctx.Dump()
	for _, want := range []string{"srem", "icmp eq", "if.then", "if.else"} {
		if !strings.Contains(ir, want) {
			t.Fatalf("expected IR to contain %q, got:\n%s", want, ir)
		}
	}
}

func TestLowerWhileLoop(t *testing.T) {
	ctx, _ := lower(t, `
		i32 main() {
			i32 a = 0;
			while (a < 6) {
				a = a + 1;
			}
			return a;
		}
	`)

	ir := ctx.Dump()
	for _, want := range []string{"while.cond", "while.body", "while.end"} {
		if !strings.Contains(ir, want) {
			t.Fatalf("expected IR to contain %q, got:\n%s", want, ir)
		}
	}
}

func TestLowerIfWithBothBranchesTerminatingOmitsMergeBlock(t *testing.T) {
	ctx, _ := lower(t, `
		i32 main() {
			if (1 == 1) {
				return 1;
			} else {
				return 0;
			}
		}
	`)

	ir := ctx.Dump()
	if strings.Contains(ir, "if.end") {
		t.Fatalf("expected no 'if.end' merge block when both branches terminate, got:\n%s", ir)
	}
}

func TestLowerDuplicateLocalDeclarationFailsAfterFullWalk(t *testing.T) {
	// Both declarations lower (the second is reported and skipped), the rest of the
	// function still generates, and the pass as a whole comes back failed.
	program := parse(t, `i32 main() { i32 a; i32 a; return 0; }`)

	ctx := irgen.NewContext("test")
	t.Cleanup(ctx.Dispose)

	var diagnostics bytes.Buffer
	lowerer := NewLowerer(ctx, &diagnostics)
	err := lowerer.Lower(program)
	if err == nil {
		t.Fatalf("expected the duplicate declaration to fail the pass")
	}
	if _, ok := err.(*DuplicateDefinitionError); !ok {
		t.Fatalf("expected *DuplicateDefinitionError, got %T: %v", err, err)
	}
	if !strings.Contains(diagnostics.String(), "ERROR:") || !strings.Contains(diagnostics.String(), "'a'") {
		t.Fatalf("expected an ERROR diagnostic naming 'a', got:\n%s", diagnostics.String())
	}
	// Lowering kept going past the duplicate: main is fully formed and verifiable.
	if !strings.Contains(ctx.Dump(), "define i32 @main()") {
		t.Fatalf("expected 'main' to still be lowered, got:\n%s", ctx.Dump())
	}
}

func TestLowerDuplicateParameterFailsAfterFullWalk(t *testing.T) {
	program := parse(t, `i32 foo(i32 a, i32 a) { return a; }`)

	ctx := irgen.NewContext("test")
	t.Cleanup(ctx.Dispose)

	var diagnostics bytes.Buffer
	lowerer := NewLowerer(ctx, &diagnostics)
	err := lowerer.Lower(program)
	if err == nil {
		t.Fatalf("expected the duplicate parameter to fail the pass")
	}
	if _, ok := err.(*DuplicateDefinitionError); !ok {
		t.Fatalf("expected *DuplicateDefinitionError, got %T: %v", err, err)
	}
}

func TestLowerRedeclaringReturnSlotNameCollides(t *testing.T) {
	// The internal return slot shares the function's scope level, so declaring its
	// name is a duplicate, not a shadow.
	err := lowerExpectingError(t, `i32 main() { i32 __retval__; return 0; }`)
	if err == nil {
		t.Fatalf("expected redeclaring '__retval__' to fail the pass")
	}
	if _, ok := err.(*DuplicateDefinitionError); !ok {
		t.Fatalf("expected *DuplicateDefinitionError, got %T: %v", err, err)
	}
}

func TestLowerPrintfManglesDistinctSignatures(t *testing.T) {
	ctx, _ := lower(t, `
		i32 main() {
			printf("done\n");
			printf("count: %d\n", 3);
			printf("next: %d\n", 4);
			return 0;
		}
	`)

	ir := ctx.Dump()
	if !strings.Contains(ir, "declare i32 @printf(") {
		t.Fatalf("expected a 'printf' declaration, got:\n%s", ir)
	}
	// A second, incompatible call site gets its own mangled declaration; a third call
	// with an already-seen signature reuses it.
	if !strings.Contains(ir, "declare i32 @printf1(") {
		t.Fatalf("expected a mangled 'printf1' declaration, got:\n%s", ir)
	}
	if strings.Contains(ir, "printf11") {
		t.Fatalf("expected the repeated signature to reuse 'printf1', got:\n%s", ir)
	}
}

func TestLowerDuplicateFunctionIsFatal(t *testing.T) {
	err := lowerExpectingError(t, `
		i32 main() { return 0; }
		i32 main() { return 1; }
	`)
	if err == nil {
		t.Fatalf("expected an error for a duplicate top-level function")
	}
	if _, ok := err.(*DuplicateDefinitionError); !ok {
		t.Fatalf("expected *DuplicateDefinitionError, got %T: %v", err, err)
	}
}

func TestLowerUnresolvedSymbolIsFatal(t *testing.T) {
	err := lowerExpectingError(t, `i32 main() { return nope; }`)
	if err == nil {
		t.Fatalf("expected an error for an unresolved identifier")
	}
	if _, ok := err.(*UnresolvedSymbolError); !ok {
		t.Fatalf("expected *UnresolvedSymbolError, got %T: %v", err, err)
	}
}

func TestLowerUnknownCalleeIsFatal(t *testing.T) {
	err := lowerExpectingError(t, `i32 main() { doesNotExist(); return 0; }`)
	if err == nil {
		t.Fatalf("expected an error for an unknown callee")
	}
	if _, ok := err.(*UnknownCalleeError); !ok {
		t.Fatalf("expected *UnknownCalleeError, got %T: %v", err, err)
	}
}

func TestLowerArityMismatchIsFatal(t *testing.T) {
	err := lowerExpectingError(t, `
		i32 add(i32 a, i32 b) { return a + b; }
		i32 main() { return add(1); }
	`)
	if err == nil {
		t.Fatalf("expected an error for an arity mismatch")
	}
	mismatch, ok := err.(*ArityMismatchError)
	if !ok {
		t.Fatalf("expected *ArityMismatchError, got %T: %v", err, err)
	}
	if mismatch.Expected != 2 || mismatch.Got != 1 {
		t.Fatalf("unexpected arity mismatch details: %+v", mismatch)
	}
}

func TestLowerUnknownTypeIsFatal(t *testing.T) {
	err := lowerExpectingError(t, `Rectangle main() { return 0; }`)
	if err == nil {
		t.Fatalf("expected an error for an unresolvable return type")
	}
	if _, ok := err.(*UnknownTypeError); !ok {
		t.Fatalf("expected *UnknownTypeError, got %T: %v", err, err)
	}
}

func TestLowerCallBetweenFunctions(t *testing.T) {
	ctx, _ := lower(t, `
		i32 add(i32 a, i32 b) { return a + b; }
		i32 main() { return add(2, 3); }
	`)

	ir := ctx.Dump()
	if !strings.Contains(ir, "call i32 @add(") {
		t.Fatalf("expected a call to 'add', got:\n%s", ir)
	}
}

func TestLowerSingleExitConvention(t *testing.T) {
	// Multiple 'return' statements all funnel through the one trailing return block;
	// statements after the first return in a block are unreachable and dropped.
	ctx, diagnostics := lower(t, `
		i32 main() {
			if (1 == 1) {
				return 1;
				return 2;
			} else {
				return 0;
			}
			return 9;
		}
	`)

	ir := ctx.Dump()
	if got := strings.Count(ir, "ret i32"); got != 1 {
		t.Fatalf("expected exactly 1 'ret' instruction, got %d:\n%s", got, ir)
	}
	if !strings.Contains(diagnostics.String(), "unreachable") {
		t.Fatalf("expected an unreachable-code warning, got:\n%s", diagnostics.String())
	}
}

func TestLowerNestedIfBranchesToOuterMerge(t *testing.T) {
	// The branch to the outer if.end must come from the block the then-body actually
	// ended in (the inner if's merge block), not the block it started in.
	ctx, _ := lower(t, `
		i32 main() {
			i32 r = 0;
			if (1 == 1) {
				if (2 == 2) {
					r = 1;
				}
				r = r + 1;
			}
			return r;
		}
	`)

	ir := ctx.Dump()
	if got := strings.Count(ir, "if.end"); got < 2 {
		t.Fatalf("expected two distinct merge blocks, got %d occurrence group(s):\n%s", got, ir)
	}
}

func TestLowerBranchLocalIsNotVisibleAfterIf(t *testing.T) {
	err := lowerExpectingError(t, `
		i32 main() {
			if (1 == 1) {
				i32 inner = 5;
			}
			return inner;
		}
	`)
	if err == nil {
		t.Fatalf("expected a branch-local name to be out of scope after the if")
	}
	if _, ok := err.(*UnresolvedSymbolError); !ok {
		t.Fatalf("expected *UnresolvedSymbolError, got %T: %v", err, err)
	}
}

func TestLowerShadowingWarnsButSucceeds(t *testing.T) {
	_, diagnostics := lower(t, `
		i32 main() {
			i32 a = 1;
			if (a == 1) {
				i32 a = 2;
			}
			return a;
		}
	`)

	if !strings.Contains(diagnostics.String(), "shadows") {
		t.Fatalf("expected a shadowing warning, got:\n%s", diagnostics.String())
	}
}

func TestLowerWidthCastOnAssignment(t *testing.T) {
	// The accumulator's/slot's width wins: an i64 stored into an i32 slot truncates.
	ctx, _ := lower(t, `
		i32 main() {
			i64 big;
			big = 10;
			i32 small;
			small = big;
			return small;
		}
	`)

	ir := ctx.Dump()
	if !strings.Contains(ir, "trunc") {
		t.Fatalf("expected a 'trunc' conversion when narrowing i64 -> i32, got:\n%s", ir)
	}
}
