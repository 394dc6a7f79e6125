package ctrbuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// Exit codes. Build failures reuse cargo's own exit status so callers can
// tell compile errors from packaging errors.
const (
	exitPackaging = 2
	exitInterrupt = 130
)

// command is the closed set of subcommands. Dispatch is an exhaustive
// switch; there is no dynamic command registry.
type command int

const (
	cmdBuild command = iota
	cmdRun
	cmdTest
	cmdLink
	cmdNew
	cmdDist
	cmdPublish
	cmdVersion
)

// invocation is the fully parsed command line.
type invocation struct {
	cmd         command
	release     bool
	filter      string   // --bin/--example artifact name filter
	passthrough []string // forwarded to cargo verbatim
	exeArgs     []string // forwarded to the executable on device/emulator
	address     string
	argv0       string
	retries     int
	server      bool
	noRun       bool
	doc         bool
}

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: ctrbuild <command> [options] [-- cargo args [-- exe args]]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Desc string
	}
	cmds := []cmdInfo{
		{"build", "Build a 3DSX bundle for the 3DS target"},
		{"run", "Build and run on an emulator, or send to a console with --address"},
		{"test", "Build a test executable and send it to a console"},
		{"link", "Send an already built bundle to a console"},
		{"new", "Create a new project wired for the 3DS target"},
		{"dist", "Build and package a release archive (tar.zst + checksum)"},
		{"publish", "Upload the release archive to the configured bucket"},
		{"version", "Version information"},
	}
	for _, c := range cmds {
		fmt.Print("  ")
		color.Bold.Printf("%-10s", c.Cmd)
		color.Info.Println(c.Desc)
	}
	fmt.Println()
	color.Info.Println("Common options: --release, --bin NAME, --example NAME, --verbose")
	color.Info.Println("Run/link options: --address ADDR, --argv0 ARG0, --retries N, --server")
	color.Info.Println("Test options: --no-run, --doc")
}

// Main is the CLI entrypoint for the ctrbuild binary.
func Main() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Printf("Received %v. Cancelling gracefully\n", sig)
				cancel()
				// A second signal forces an immediate exit.
				select {
				case <-sigs:
					os.Exit(exitInterrupt)
				case <-time.After(5 * time.Second):
					colArrow.Print("\n-> ")
					color.Danger.Println("Graceful shutdown timeout. Exiting.")
					os.Exit(exitInterrupt)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(os.Args) < 2 {
		printHelp()
		return 0
	}

	inv, err := parseInvocation(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printHelp()
		return exitPackaging
	}

	cfg, err := loadConfig(configPath())
	if err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Could not read config: %v\n", err)
	}

	e := NewExecutor(ctx)
	code := dispatch(ctx, e, cfg, inv)
	if ctx.Err() != nil && code == 0 {
		code = exitInterrupt
	}
	return code
}

func parseInvocation(name string, args []string) (*invocation, error) {
	inv := &invocation{retries: 1}
	switch name {
	case "build", "b":
		inv.cmd = cmdBuild
	case "run", "r":
		inv.cmd = cmdRun
	case "test", "t":
		inv.cmd = cmdTest
	case "link", "l":
		inv.cmd = cmdLink
	case "new", "n":
		inv.cmd = cmdNew
	case "dist":
		inv.cmd = cmdDist
	case "publish":
		inv.cmd = cmdPublish
	case "version", "--version":
		inv.cmd = cmdVersion
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}

	// Everything after the first "--" belongs to cargo; a second "--"
	// separates arguments for the executable itself.
	rest := args
	if i := indexOf(args, "--"); i >= 0 {
		rest = args[:i]
		tail := args[i+1:]
		if j := indexOf(tail, "--"); j >= 0 {
			inv.passthrough = append(inv.passthrough, tail[:j]...)
			inv.exeArgs = tail[j+1:]
		} else {
			inv.passthrough = append(inv.passthrough, tail...)
		}
	}

	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		value := func(flagName string) (string, error) {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				return arg[eq+1:], nil
			}
			i++
			if i >= len(rest) {
				return "", fmt.Errorf("%s needs a value", flagName)
			}
			return rest[i], nil
		}

		switch {
		case arg == "--release":
			// Not forwarded here: makeCargoCommand adds the flag from
			// BuildOptions, and cargo rejects it twice.
			inv.release = true
		case arg == "--verbose" || arg == "-v":
			Verbose = true
		case arg == "--debug":
			Debug = true
		case arg == "--bin" || strings.HasPrefix(arg, "--bin="),
			arg == "--example" || strings.HasPrefix(arg, "--example="):
			flagName := strings.SplitN(arg, "=", 2)[0]
			v, err := value(flagName)
			if err != nil {
				return nil, err
			}
			inv.filter = v
			inv.passthrough = append(inv.passthrough, flagName, v)
		case arg == "--address" || strings.HasPrefix(arg, "--address=") || arg == "-a":
			v, err := value("--address")
			if err != nil {
				return nil, err
			}
			inv.address = v
		case arg == "--argv0" || strings.HasPrefix(arg, "--argv0=") || arg == "-0":
			v, err := value("--argv0")
			if err != nil {
				return nil, err
			}
			inv.argv0 = v
		case arg == "--retries" || strings.HasPrefix(arg, "--retries="):
			v, err := value("--retries")
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid --retries value %q", v)
			}
			inv.retries = n
		case arg == "--server" || arg == "-s":
			inv.server = true
		case arg == "--no-run":
			inv.noRun = true
		case arg == "--doc":
			inv.doc = true
		default:
			// Unrecognized options are cargo's business, not ours.
			inv.passthrough = append(inv.passthrough, arg)
		}
	}
	return inv, nil
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

// dispatch runs the selected subcommand. The switch is exhaustive over the
// command set.
func dispatch(ctx context.Context, e *Executor, cfg *Config, inv *invocation) int {
	switch inv.cmd {
	case cmdVersion:
		fmt.Printf("ctrbuild %s (%s)\n", version, buildDate)
		return 0

	case cmdNew:
		if err := NewProject(e, inv.passthrough); err != nil {
			return reportError(err)
		}
		return 0

	case cmdLink:
		bundlePath, err := findExistingBundle(inv)
		if err != nil {
			return reportError(err)
		}
		if err := deployBundle(ctx, cfg, inv, bundlePath); err != nil {
			return reportError(err)
		}
		return 0

	case cmdBuild, cmdRun, cmdTest, cmdDist, cmdPublish:
		return runPipeline(ctx, e, cfg, inv)
	}
	// Unreachable: parseInvocation rejects unknown commands.
	return exitPackaging
}

// runPipeline is the build → locate → metadata → package → deploy flow
// shared by every compiling subcommand.
func runPipeline(ctx context.Context, e *Executor, cfg *Config, inv *invocation) int {
	tc, err := ResolveToolchain(ctx, targetTriple)
	if err != nil {
		return reportError(err)
	}

	opts := &BuildOptions{
		Subcommand:  "build",
		Release:     inv.release,
		Passthrough: inv.passthrough,
		Compiles:    true,
	}
	if inv.cmd == cmdTest {
		opts.Subcommand = "test"
		opts.Passthrough = append([]string{"--no-run"}, opts.Passthrough...)
		if inv.doc {
			opts.Passthrough = append([]string{"--doc"}, opts.Passthrough[1:]...)
		}
	}

	res, err := RunCargo(e, tc, opts)
	if res != nil && res.LogPath != "" {
		defer os.Remove(res.LogPath)
	}
	if err != nil {
		var toolErr *ToolFailedError
		if errors.As(err, &toolErr) {
			return toolErr.Status
		}
		return reportError(err)
	}

	// Doc tests produce no executable to package.
	if inv.cmd == cmdTest && inv.doc {
		return 0
	}

	artifact, err := SelectArtifact(res.Artifacts, inv.filter)
	if err != nil {
		return reportError(err)
	}

	meta, err := ResolveMetadata(artifact, tc.DevkitPro)
	if err != nil {
		return reportError(err)
	}
	smdh, err := BuildMetadataBlock(meta)
	if err != nil {
		return reportError(err)
	}

	var romfs []byte
	if meta.RomfsPath != "" {
		colArrow.Print("-> ")
		colSuccess.Printf("Adding RomFS from %s\n", meta.RomfsPath)
		romfs, err = BuildRomfs(meta.RomfsPath)
		if err != nil {
			return reportError(err)
		}
	}

	bundlePath, err := PackageBundle(artifact, smdh, romfs)
	if err != nil {
		return reportError(err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Built %s\n", bundlePath)

	if cfg.Values["CTRBUILD_XZ_LOGS"] == "1" {
		if err := archiveBuildLog(res.LogPath, withExtension(bundlePath, ".log.xz")); err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Could not archive build log: %v\n", err)
		}
	}

	switch inv.cmd {
	case cmdRun:
		if err := runOrDeploy(ctx, e, cfg, inv, bundlePath); err != nil {
			return reportError(err)
		}
	case cmdTest:
		if inv.noRun {
			return 0
		}
		if err := runOrDeploy(ctx, e, cfg, inv, bundlePath); err != nil {
			return reportError(err)
		}
	case cmdDist, cmdPublish:
		distPath, err := BuildDist(bundlePath, artifact.PackageName, meta)
		if err != nil {
			return reportError(err)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Packaged %s\n", distPath)
		if inv.cmd == cmdPublish {
			if err := Publish(ctx, cfg, distPath, artifact.PackageName); err != nil {
				return reportError(err)
			}
		}
	}
	return 0
}

// runOrDeploy sends the bundle to a console when an address is known,
// otherwise runs it on the local emulator.
func runOrDeploy(ctx context.Context, e *Executor, cfg *Config, inv *invocation, bundlePath string) error {
	address := inv.address
	if address == "" {
		address = cfg.Values["CTRBUILD_DEFAULT_ADDRESS"]
	}
	if address == "" && inv.cmd != cmdRun {
		return fmt.Errorf("%w: no device address configured (use --address or CTRBUILD_DEFAULT_ADDRESS)", ErrDeviceUnreachable)
	}
	if address == "" {
		return RunEmulator(e, cfg, bundlePath, inv.exeArgs)
	}
	return Deploy(ctx, bundlePath, &DeployOptions{
		Address: address,
		Argv0:   inv.argv0,
		ExeArgs: inv.exeArgs,
		Retries: inv.retries,
		Server:  inv.server,
	})
}

// findExistingBundle resolves the bundle path for `link`: an explicit path
// argument, or the single .3dsx in the usual target directories.
func findExistingBundle(inv *invocation) (string, error) {
	for _, arg := range inv.passthrough {
		if strings.HasSuffix(arg, ".3dsx") {
			if _, err := os.Stat(arg); err != nil {
				return "", fmt.Errorf("bundle not found: %s", arg)
			}
			return arg, nil
		}
	}

	profile := "debug"
	if inv.release {
		profile = "release"
	}
	dir := strings.Join([]string{"target", targetTriple, profile}, string(os.PathSeparator))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no bundle path given and %s is unreadable: %w", dir, err)
	}
	var bundles []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".3dsx") {
			bundles = append(bundles, dir+string(os.PathSeparator)+ent.Name())
		}
	}
	switch len(bundles) {
	case 0:
		return "", fmt.Errorf("no .3dsx bundle found in %s; run `ctrbuild build` first", dir)
	case 1:
		return bundles[0], nil
	}
	return "", &AmbiguousArtifactError{Candidates: bundles}
}

func deployBundle(ctx context.Context, cfg *Config, inv *invocation, bundlePath string) error {
	address := inv.address
	if address == "" {
		address = cfg.Values["CTRBUILD_DEFAULT_ADDRESS"]
	}
	return Deploy(ctx, bundlePath, &DeployOptions{
		Address: address,
		Argv0:   inv.argv0,
		ExeArgs: inv.exeArgs,
		Retries: inv.retries,
		Server:  inv.server,
	})
}

func reportError(err error) int {
	if errors.Is(err, ErrBuildCancelled) || errors.Is(err, context.Canceled) {
		colArrow.Print("-> ")
		colError.Println("Cancelled.")
		return exitInterrupt
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitPackaging
}
