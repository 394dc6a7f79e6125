package ctrbuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	goversion "github.com/hashicorp/go-version"
)

// Toolchain compatibility errors. All of them are fatal preconditions;
// nothing is built when resolution fails.
var (
	ErrToolchainNotFound  = errors.New("rustc not found")
	ErrVersionTooOld      = errors.New("rustc version too old")
	ErrTargetUnsupported  = errors.New("target not supported by installed rustc")
	ErrChannelUnsupported = errors.New("rustc channel not supported")
)

const (
	// Oldest rustc release known to produce working homebrew binaries.
	minimumRustcVersion = "1.70.0"
	// Nightlies older than this miss armv6k linker fixes.
	minimumCommitDate = "2023-05-31"
)

// ToolchainInfo describes the installed Rust toolchain. Resolved once per
// process and never mutated afterwards.
type ToolchainInfo struct {
	Version    *goversion.Version
	Channel    string // "nightly", "beta", "stable", ...
	CommitDate string // YYYY-MM-DD, empty for locally built compilers
	Sysroot    string
	Targets    []string
	DevkitPro  string // $DEVKITPRO root, needed for libctru link flags
}

// HasPrebuiltStd reports whether the sysroot ships a pre-built std for the
// 3DS target. Without one, cargo is invoked with -Zbuild-std.
func (t *ToolchainInfo) HasPrebuiltStd() bool {
	_, err := os.Stat(t.Sysroot + "/lib/rustlib/" + targetTriple)
	return err == nil
}

var (
	toolchainOnce   sync.Once
	cachedToolchain *ToolchainInfo
	toolchainErr    error
)

// ResolveToolchain locates rustc, validates version/channel/target support
// and caches the result for the process lifetime.
func ResolveToolchain(ctx context.Context, target string) (*ToolchainInfo, error) {
	toolchainOnce.Do(func() {
		cachedToolchain, toolchainErr = resolveToolchain(ctx, target)
	})
	return cachedToolchain, toolchainErr
}

func rustcBinary() string {
	if rustc := os.Getenv("RUSTC"); rustc != "" {
		return rustc
	}
	return "rustc"
}

func rustcOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, rustcBinary(), args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func resolveToolchain(ctx context.Context, target string) (*ToolchainInfo, error) {
	verbose, err := rustcOutput(ctx, "--version", "--verbose")
	if err != nil {
		return nil, fmt.Errorf("%w: %v (is a Rust toolchain installed?)", ErrToolchainNotFound, err)
	}

	info := &ToolchainInfo{DevkitPro: os.Getenv("DEVKITPRO")}
	for _, line := range strings.Split(verbose, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "release":
			// e.g. "1.82.0-nightly"
			release, channel, _ := strings.Cut(val, "-")
			v, perr := goversion.NewVersion(release)
			if perr != nil {
				return nil, fmt.Errorf("cannot parse rustc release %q: %w", val, perr)
			}
			info.Version = v
			if channel == "" {
				channel = "stable"
			}
			info.Channel = channel
		case "commit-date":
			if val != "unknown" {
				info.CommitDate = val
			}
		}
	}
	if info.Version == nil {
		return nil, fmt.Errorf("rustc did not report a release version")
	}

	// Homebrew builds need unstable cargo/rustc features (build-std).
	if info.Channel != "nightly" && info.Channel != "dev" {
		return nil, fmt.Errorf("%w: a nightly rustc is required, found %s (try `rustup override set nightly`)",
			ErrChannelUnsupported, info.Channel)
	}

	minimum := goversion.Must(goversion.NewVersion(minimumRustcVersion))
	if info.Version.LessThan(minimum) {
		return nil, fmt.Errorf("%w: found %s, need >= %s (run `rustup update nightly`)",
			ErrVersionTooOld, info.Version, minimum)
	}
	if info.CommitDate != "" && info.CommitDate < minimumCommitDate {
		return nil, fmt.Errorf("%w: nightly from %s, need one from %s or later (run `rustup update nightly`)",
			ErrVersionTooOld, info.CommitDate, minimumCommitDate)
	}

	sysroot := os.Getenv("SYSROOT")
	if sysroot == "" {
		sysroot, err = rustcOutput(ctx, "--print", "sysroot")
		if err != nil {
			return nil, fmt.Errorf("failed to query rustc sysroot: %w", err)
		}
	}
	info.Sysroot = sysroot

	targets, err := rustcOutput(ctx, "--print", "target-list")
	if err != nil {
		return nil, fmt.Errorf("failed to query rustc target list: %w", err)
	}
	info.Targets = strings.Split(targets, "\n")

	if !slices.Contains(info.Targets, target) {
		return nil, fmt.Errorf("%w: %s", ErrTargetUnsupported, target)
	}

	debugf("resolved rustc %s (%s, %s) sysroot=%s\n", info.Version, info.Channel, info.CommitDate, info.Sysroot)
	return info, nil
}
