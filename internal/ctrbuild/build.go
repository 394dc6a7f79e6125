package ctrbuild

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/ulikunitz/xz"
)

// BuildOptions describes one cargo invocation.
type BuildOptions struct {
	Subcommand  string // cargo subcommand: "build", "test", "check", ...
	Release     bool
	Passthrough []string // forwarded to cargo verbatim, never reinterpreted
	Compiles    bool     // whether the subcommand produces artifacts
}

// BuildResult carries everything later stages need: the ordered message log,
// the artifacts extracted from it, and the raw build log on disk.
type BuildResult struct {
	Status    int
	Artifacts []*BuildArtifact
	LogPath   string // uncompressed combined output, caller may archive it
}

const cargoMessageFormat = "json-render-diagnostics"

// makeCargoCommand assembles the cargo command line for the 3DS target.
// RUSTFLAGS gains the libctru link directory; without a pre-built std in the
// sysroot, build-std is enabled.
func makeCargoCommand(e *Executor, tc *ToolchainInfo, opts *BuildOptions) *exec.Cmd {
	cargoBin := os.Getenv("CARGO")
	if cargoBin == "" {
		cargoBin = "cargo"
	}

	args := []string{opts.Subcommand}
	if opts.Compiles {
		args = append(args, "--target", targetTriple, "--message-format", cargoMessageFormat)
		if !tc.HasPrebuiltStd() {
			colArrow.Print("-> ")
			colWarn.Println("No pre-built std found, using build-std")
			args = append(args, "-Z", "build-std=std,test")
		}
	}
	if opts.Release {
		args = append(args, "--release")
	}
	args = append(args, opts.Passthrough...)

	cmd := exec.CommandContext(e.Context, cargoBin, args...)
	cmd.Env = os.Environ()
	if opts.Compiles && tc.DevkitPro != "" {
		rustFlags := os.Getenv("RUSTFLAGS") +
			fmt.Sprintf(" -L%s/libctru/lib -lctru", tc.DevkitPro)
		cmd.Env = append(cmd.Env, "RUSTFLAGS="+rustFlags)
	}
	return cmd
}

// RunCargo spawns cargo and drains its two output streams concurrently:
// stderr (human diagnostics) is forwarded line-by-line to our stderr,
// stdout (structured JSON messages) is parsed into the artifact list while
// rendered diagnostics inside it are forwarded too. Per-stream order is
// preserved; both streams are fully drained before the exit status is
// reported. Everything also lands in a combined log file.
func RunCargo(e *Executor, tc *ToolchainInfo, opts *BuildOptions) (*BuildResult, error) {
	cmd := makeCargoCommand(e, tc, opts)
	if Verbose {
		printCommand(cmd)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe cargo stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe cargo stderr: %w", err)
	}
	cmd.Stdin = os.Stdin

	logFile, err := os.CreateTemp("", "ctrbuild-log-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	defer logFile.Close()

	proc, err := e.Start(cmd)
	if err != nil {
		return nil, err
	}

	res := &BuildResult{LogPath: logFile.Name()}

	// The two readers only ever touch shared state through this append.
	var mu sync.Mutex
	logLine := func(line string) {
		mu.Lock()
		fmt.Fprintln(logFile, line)
		mu.Unlock()
	}
	addArtifact := func(a *BuildArtifact) {
		mu.Lock()
		res.Artifacts = append(res.Artifacts, a)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			fmt.Fprintln(os.Stderr, line)
			logLine(line)
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		// Cargo JSON lines routinely exceed the default scanner limit.
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			msg := parseMessageLine(line)
			if msg == nil {
				// Plain text on stdout (e.g. test harness output in
				// passthrough runs) goes straight to the console.
				fmt.Fprintln(os.Stdout, string(line))
				logLine(string(line))
				continue
			}
			switch msg.Reason {
			case "compiler-message":
				// cargo rendered it for humans already; forward unmodified.
				if r := strings.TrimRight(msg.Message.Rendered, "\n"); r != "" {
					fmt.Fprintln(os.Stderr, r)
					logLine(r)
				}
			case "compiler-artifact":
				if a := artifactFromMessage(msg, targetTriple); a != nil {
					debugf("artifact: %s (%s)\n", a.ExecutablePath, a.Kind)
					addArtifact(a)
				}
			}
		}
	}()

	wg.Wait()
	err = proc.Wait()

	if errors.Is(err, ErrBuildCancelled) {
		return res, err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.Status = exitErr.ExitCode()
		return res, &ToolFailedError{Tool: "cargo", Status: res.Status}
	}
	if err != nil {
		return res, fmt.Errorf("cargo failed: %w", err)
	}
	return res, nil
}

// archiveBuildLog compresses the combined build output next to the bundle,
// the same way per-package build logs are kept.
func archiveBuildLog(logPath, dest string) error {
	src, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	xzWriter, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := io.Copy(xzWriter, src); err != nil {
		xzWriter.Close()
		return err
	}
	return xzWriter.Close()
}

// printCommand echoes the command we are about to run, one env override per
// line, for --verbose runs.
func printCommand(cmd *exec.Cmd) {
	fmt.Fprintln(os.Stderr, "Running command:")
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "RUSTFLAGS=") {
			fmt.Fprintf(os.Stderr, "   %s \\\n", kv)
		}
	}
	fmt.Fprintf(os.Stderr, "   %s\n\n", strings.Join(cmd.Args, " "))
}
