package ctrbuild

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// RunEmulator launches the configured emulator on the bundle and relays its
// output with the same dual-stream discipline as the build driver: one
// reader per stream, per-stream order preserved, both drained before the
// exit status is reported.
func RunEmulator(e *Executor, cfg *Config, bundlePath string, exeArgs []string) error {
	emulator := cfg.Values["CTRBUILD_EMULATOR"]
	if _, err := exec.LookPath(emulator); err != nil {
		return fmt.Errorf("emulator %q not found in PATH: %w", emulator, err)
	}

	args := append([]string{bundlePath}, exeArgs...)
	cmd := exec.CommandContext(e.Context, emulator, args...)
	if Verbose {
		printCommand(cmd)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	proc, err := e.Start(cmd)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	relay := func(r io.Reader, w *os.File) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
		for scanner.Scan() {
			fmt.Fprintln(w, scanner.Text())
		}
	}
	go relay(stdout, os.Stdout)
	go relay(stderr, os.Stderr)

	wg.Wait()
	err = proc.Wait()
	if errors.Is(err, ErrBuildCancelled) {
		return err
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ToolFailedError{Tool: emulator, Status: exitErr.ExitCode()}
	}
	return err
}
