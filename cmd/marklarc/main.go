package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/drivehappy/marklar-go/internal/irgen"
	"github.com/drivehappy/marklar-go/internal/toolchain"
	"github.com/drivehappy/marklar-go/pkg/marklar"

	"github.com/teris-io/cli"
)

var Description = strings.ReplaceAll(`
Marklarc compiles a single Marklar source file into a native executable. It parses the
source into a typed AST, lowers that AST into LLVM IR, verifies the resulting module,
then hands the emitted bitcode to an external optimizer, assembler and linker.
`, "\n", " ")

var Marklarc = cli.New(Description).
	WithOption(cli.NewOption("input-file", "The Marklar source file to compile").
		WithChar('i').WithType(cli.TypeString)).
	WithOption(cli.NewOption("output-file", "The final executable's path").
		WithChar('o').WithType(cli.TypeString)).
	WithOption(cli.NewOption("keep-intermediate", "Keeps the optimized bitcode and object file on disk (pass =false to remove them)").
		WithType(cli.TypeBool)).
	WithOption(cli.NewOption("emit-llvm", "Dumps the verified module's textual IR to stdout").
		WithType(cli.TypeBool)).
	WithAction(Handler)

func Handler(args []string, options map[string]string) int {
	inputFile, ok := options["input-file"]
	if !ok || inputFile == "" {
		fmt.Fprintf(os.Stderr, "ERROR: --input-file/-i is required\n")
		return -1
	}
	outputFile := options["output-file"]

	source, err := os.Open(inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: unable to open input file: %s\n", err)
		return -1
	}
	defer source.Close()

	parser := marklar.NewParser(source)
	program, err := parser.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: unable to complete 'parsing' pass: %s\n", err)
		return -1
	}

	ctx := irgen.NewContext(strings.TrimSuffix(inputFile, ".mkl"))
	defer ctx.Dispose()

	lowerer := marklar.NewLowerer(ctx, os.Stderr)
	if err := lowerer.Lower(program); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: unable to complete 'lowering' pass: %s\n", err)
		var verifier *marklar.VerifierFailureError
		if errors.As(err, &verifier) {
			fmt.Fprintln(os.Stderr, ctx.Dump())
		}
		return -1
	}

	if err := ctx.VerifyModule(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: module verification failed: %s\n", err)
		fmt.Fprintln(os.Stderr, ctx.Dump())
		return -1
	}

	if _, enabled := options["emit-llvm"]; enabled {
		fmt.Println(ctx.Dump())
	}

	const bitcodeFile = "output.bc"
	if err := ctx.WriteBitcode(bitcodeFile); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: unable to write bitcode: %s\n", err)
		return -1
	}

	driver := toolchain.NewDriver(os.Stdout)
	// Intermediates stay on disk unless explicitly opted out.
	driver.KeepIntermediate = options["keep-intermediate"] != "false"
	if err := driver.OptimizeAndLink(bitcodeFile, outputFile); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: toolchain failure: %s\n", err)
		return -1
	}

	return 0
}

func main() { os.Exit(Marklarc.Run(os.Args, os.Stdout)) }
