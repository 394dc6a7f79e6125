package ctrbuild

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
)

// NewProject runs `cargo new` with the caller's arguments, then overlays
// the embedded project template: .cargo/config.toml with the 3DS target
// settings, a romfs/ seed directory, and the tool's manifest section.
func NewProject(e *Executor, passthrough []string) error {
	cargoBin := os.Getenv("CARGO")
	if cargoBin == "" {
		cargoBin = "cargo"
	}
	cmd := exec.CommandContext(e.Context, cargoBin, append([]string{"new"}, passthrough...)...)
	if err := e.Run(cmd); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ToolFailedError{Tool: "cargo", Status: exitErr.ExitCode()}
		}
		return err
	}

	projectDir := projectDirFromArgs(passthrough)
	if projectDir == "" {
		// cargo accepted the invocation but we cannot tell where the
		// project went (e.g. `cargo new --help`); nothing to overlay.
		return nil
	}

	if err := extractTemplate(projectDir); err != nil {
		return fmt.Errorf("failed to apply project template: %w", err)
	}
	if err := appendManifestSection(filepath.Join(projectDir, "Cargo.toml")); err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Created 3DS project in %s\n", projectDir)
	return nil
}

// projectDirFromArgs finds the path argument of `cargo new`: the first
// argument that is neither a flag nor a flag value.
func projectDirFromArgs(args []string) string {
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(a, "-") {
			// Flags with separate values (--name foo, --edition 2021).
			if a == "--name" || a == "--edition" || a == "--registry" {
				skipNext = true
			}
			continue
		}
		return a
	}
	return ""
}

// extractTemplate unpacks the embedded template archive into the project.
// Existing files (Cargo.toml, src/) are never overwritten.
func extractTemplate(dest string) error {
	f, err := embeddedTemplate.Open("assets/template.tar.gz")
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read template archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path in template archive: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if _, err := os.Stat(target); err == nil {
				continue // keep what cargo generated
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

const manifestSection = `
[package.metadata.ctrbuild]
# icon = "icon.png"
# romfs_dir = "romfs"
`

func appendManifestSection(manifestPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil // project layout we don't understand; leave it alone
	}
	if strings.Contains(string(data), "[package.metadata.ctrbuild]") {
		return nil
	}
	f, err := os.OpenFile(manifestPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(manifestSection)
	return err
}
