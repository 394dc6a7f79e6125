package ctrbuild

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// 3DSX container layout: extended header, one relocation header per
// segment, the segment payloads in fixed order, the SMDH metadata block,
// then optionally the RomFS image. All header fields are little-endian.
const (
	bundleMagic     = 0x58534433 // "3DSX"
	bundleHeaderLen = 44         // extended header with SMDH/RomFS fields
	relocHeaderLen  = 8          // absolute count + relative count
	bundleSegments  = 3          // code, rodata, data
)

// bundleHeader mirrors the on-disk header, decoded field by field.
type bundleHeader struct {
	CodeSize    uint32
	RodataSize  uint32
	DataSize    uint32 // includes bss
	BssSize     uint32
	SmdhOffset  uint32
	SmdhSize    uint32
	RomfsOffset uint32
}

// BuildBundle lays out the full container in memory. Keeping this a pure
// function of its inputs is what makes packaging byte-for-byte reproducible
// and keeps failed builds from leaving a half-written bundle behind.
func BuildBundle(seg *elfSegments, smdh []byte, romfs []byte) ([]byte, error) {
	if len(smdh) != smdhSize {
		return nil, fmt.Errorf("metadata block must be %d bytes, got %d", smdhSize, len(smdh))
	}

	payloadLen := len(seg.Code) + len(seg.Rodata) + len(seg.Data)
	smdhOffset := bundleHeaderLen + bundleSegments*relocHeaderLen + payloadLen

	var buf bytes.Buffer
	buf.Grow(smdhOffset + len(smdh) + len(romfs))

	w32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf.Write(tmp[:])
	}
	w16 := func(v uint16) {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], v)
		buf.Write(tmp[:])
	}

	w32(bundleMagic)
	w16(bundleHeaderLen)
	w16(relocHeaderLen)
	w32(0) // format version
	w32(0) // flags
	w32(uint32(len(seg.Code)))
	w32(uint32(len(seg.Rodata)))
	w32(uint32(len(seg.Data)) + seg.BssLen)
	w32(seg.BssLen)
	w32(uint32(smdhOffset))
	w32(uint32(len(smdh)))
	if len(romfs) > 0 {
		w32(uint32(smdhOffset + len(smdh)))
	} else {
		w32(0)
	}

	// Relocation headers. The compiler's output is position-independent
	// already, so both counts are zero for every segment and no relocation
	// tables follow the payloads.
	for i := 0; i < bundleSegments; i++ {
		w32(0) // absolute relocations
		w32(0) // relative relocations
	}

	buf.Write(seg.Code)
	buf.Write(seg.Rodata)
	buf.Write(seg.Data)
	buf.Write(smdh)
	buf.Write(romfs)

	return buf.Bytes(), nil
}

// readBundleHeader decodes a bundle header, validating the magic.
func readBundleHeader(data []byte) (*bundleHeader, error) {
	if len(data) < bundleHeaderLen {
		return nil, fmt.Errorf("bundle too short for header: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != bundleMagic {
		return nil, fmt.Errorf("bad bundle magic %#x", binary.LittleEndian.Uint32(data[0:]))
	}
	if hl := binary.LittleEndian.Uint16(data[4:]); hl != bundleHeaderLen {
		return nil, fmt.Errorf("unexpected header size %d", hl)
	}
	h := &bundleHeader{
		CodeSize:    binary.LittleEndian.Uint32(data[0x10:]),
		RodataSize:  binary.LittleEndian.Uint32(data[0x14:]),
		DataSize:    binary.LittleEndian.Uint32(data[0x18:]),
		BssSize:     binary.LittleEndian.Uint32(data[0x1C:]),
		SmdhOffset:  binary.LittleEndian.Uint32(data[0x20:]),
		SmdhSize:    binary.LittleEndian.Uint32(data[0x24:]),
		RomfsOffset: binary.LittleEndian.Uint32(data[0x28:]),
	}
	return h, nil
}

// PackageBundle reads the artifact's segments, combines them with the
// metadata block and optional RomFS image, and writes the bundle (plus a
// standalone .smdh) next to the artifact. Nothing is written until the
// whole container assembled cleanly.
func PackageBundle(artifact *BuildArtifact, smdh []byte, romfs []byte) (string, error) {
	seg, err := readELFSegments(artifact.ExecutablePath)
	if err != nil {
		return "", err
	}
	bundle, err := BuildBundle(seg, smdh, romfs)
	if err != nil {
		return "", err
	}

	smdhPath := withExtension(artifact.ExecutablePath, ".smdh")
	if err := os.WriteFile(smdhPath, smdh, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", smdhPath, err)
	}

	bundlePath := withExtension(artifact.ExecutablePath, ".3dsx")
	if err := os.WriteFile(bundlePath, bundle, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", bundlePath, err)
	}
	return bundlePath, nil
}

func withExtension(path, ext string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[:i] + ext
		}
	}
	return path + ext
}
