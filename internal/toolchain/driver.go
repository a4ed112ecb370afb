// Package toolchain drives the external optimizer, assembler and linker that turn the
// compiler's bitcode output into a native executable. It contributes nothing to the
// front-end/codegen pipeline itself, it is just the thin shell around it.
package toolchain

import (
	"bytes"
	"io"
	"os"
	"os/exec"

	"github.com/drivehappy/marklar-go/pkg/marklar"
)

// Driver invokes opt, llc and a linker as separate subprocesses.
type Driver struct {
	// KeepIntermediate, when true, leaves the optimized bitcode and object file on
	// disk instead of removing them once the executable is linked.
	KeepIntermediate bool
	// Out receives each subprocess's stdout; diagnostics go through this the same
	// way the rest of the compiler writes to its diagnostic stream.
	Out io.Writer
}

// NewDriver returns a Driver that streams subprocess stdout to out.
func NewDriver(out io.Writer) *Driver {
	return &Driver{Out: out}
}

// OptimizeAndLink runs opt -O3 on bitcodePath, assembles the result to an object file
// with llc, then links that object into outputExe (defaulting to "a.out") with gcc.
// Any failing step aborts immediately with a ToolchainFailureError.
func (d *Driver) OptimizeAndLink(bitcodePath, outputExe string) error {
	if outputExe == "" {
		outputExe = "a.out"
	}

	const optBitcode = "output_opt.bc"
	const objectFile = "output.o"

	if err := d.run("opt", "-O3", "-loop-unroll", "-loop-vectorize", "-slp-vectorizer", "-o", optBitcode, bitcodePath); err != nil {
		return err
	}
	if err := d.run("llc", "-relocation-model=pic", "-filetype=obj", "-o", objectFile, optBitcode); err != nil {
		return err
	}
	if err := d.run("gcc", "-o", outputExe, objectFile); err != nil {
		return err
	}

	if !d.KeepIntermediate {
		os.Remove(optBitcode)
		os.Remove(objectFile)
	}
	return nil
}

// run executes name with args, surfacing a failure as a *marklar.ToolchainFailureError
// carrying the exit code and captured stderr.
func (d *Driver) run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = d.Out

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		return &marklar.ToolchainFailureError{Command: name, ExitCode: exitCode, Stderr: stderr.String()}
	}
	return nil
}
