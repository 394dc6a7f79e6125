package ctrbuild

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"lukechampine.com/blake3"
)

// Fallback defaults, matching the devkitPro toolchain conventions.
const (
	defaultAuthor      = "Unspecified Author"
	defaultDescription = "Homebrew Application"
	defaultRomfsDir    = "romfs"
)

// cargoManifest is the slice of Cargo.toml we read. Tool-specific settings
// live under [package.metadata.ctrbuild].
type cargoManifest struct {
	Package struct {
		Name        string   `toml:"name"`
		Version     string   `toml:"version"`
		Description string   `toml:"description"`
		Authors     []string `toml:"authors"`
		Metadata    struct {
			Ctrbuild struct {
				Title    string  `toml:"title"`
				Author   string  `toml:"author"`
				Icon     string  `toml:"icon"`
				RomfsDir string  `toml:"romfs_dir"`
				UniqueID *uint32 `toml:"unique_id"`
			} `toml:"ctrbuild"`
		} `toml:"metadata"`
	} `toml:"package"`
}

// AppMetadata is everything the metadata block needs, resolved from the
// package manifest with documented fallbacks. Immutable once assembled.
type AppMetadata struct {
	Title       string
	Author      string
	Description string
	Version     string
	UniqueID    uint32
	IconPath    string // empty means "use the embedded default"
	RomfsPath   string // empty means "no RomFS"
}

func readManifest(path string) (*cargoManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	var m cargoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	return &m, nil
}

// ResolveMetadata assembles the application metadata for one artifact.
// Resolution order for every field: explicit manifest override, then the
// regular manifest field, then a derived default.
func ResolveMetadata(artifact *BuildArtifact, devkitPro string) (*AppMetadata, error) {
	m, err := readManifest(artifact.ManifestPath)
	if err != nil {
		return nil, err
	}
	ctr := m.Package.Metadata.Ctrbuild

	meta := &AppMetadata{
		Title:       ctr.Title,
		Author:      ctr.Author,
		Description: m.Package.Description,
		Version:     m.Package.Version,
	}
	if meta.Title == "" {
		meta.Title = artifact.DisplayName()
	}
	if meta.Author == "" && len(m.Package.Authors) > 0 {
		meta.Author = m.Package.Authors[0]
	}
	if meta.Author == "" {
		meta.Author = defaultAuthor
	}
	if meta.Description == "" {
		meta.Description = defaultDescription
	}

	if ctr.UniqueID != nil {
		meta.UniqueID = *ctr.UniqueID & uniqueIDMask
	} else {
		meta.UniqueID = deriveUniqueID(m.Package.Name)
	}

	manifestDir := filepath.Dir(artifact.ManifestPath)
	meta.IconPath = resolveIconPath(ctr.Icon, manifestDir, devkitPro)

	// A romfs_dir the user configured must exist; the default dir is only
	// picked up opportunistically.
	romfsDir := ctr.RomfsDir
	explicit := romfsDir != ""
	if romfsDir == "" {
		romfsDir = defaultRomfsDir
	}
	romfsPath := filepath.Join(manifestDir, romfsDir)
	if st, err := os.Stat(romfsPath); err == nil && st.IsDir() {
		meta.RomfsPath = romfsPath
	} else if explicit {
		return nil, fmt.Errorf("configured romfs_dir does not exist: %s", romfsPath)
	}

	return meta, nil
}

// resolveIconPath picks the icon source: manifest override, ./icon.png next
// to the manifest, the devkitPro stock icon, or "" for the embedded default.
func resolveIconPath(override, manifestDir, devkitPro string) string {
	if override != "" {
		if filepath.IsAbs(override) {
			return override
		}
		return filepath.Join(manifestDir, override)
	}
	local := filepath.Join(manifestDir, "icon.png")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	if devkitPro != "" {
		stock := filepath.Join(devkitPro, "libctru", "default_icon.png")
		if _, err := os.Stat(stock); err == nil {
			return stock
		}
	}
	return ""
}

// The unique application id is a 20-bit value; ids under 0x300 are reserved
// for system titles.
const uniqueIDMask = 0xFFFFF

// deriveUniqueID hashes the package name so the same package keeps the same
// id across rebuilds without a registry.
func deriveUniqueID(packageName string) uint32 {
	sum := blake3.Sum256([]byte(packageName))
	id := binary.LittleEndian.Uint32(sum[:4]) & uniqueIDMask
	if id < 0x300 {
		id |= 0x300
	}
	return id
}
