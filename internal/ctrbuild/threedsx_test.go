package ctrbuild

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testELFSegments() *elfSegments {
	return &elfSegments{
		Entry:  0x100000,
		Code:   []byte{1, 2, 3, 4},
		Rodata: []byte{5, 6},
		Data:   []byte{7, 8, 9},
		BssLen: 0x40,
	}
}

func testSMDH(t *testing.T) []byte {
	t.Helper()
	block, err := BuildSMDH(testMetadata(), make([]byte, largeIconBytes), make([]byte, smallIconBytes))
	require.NoError(t, err)
	return block
}

func TestBuildBundleHeader(t *testing.T) {
	seg := testELFSegments()
	smdh := testSMDH(t)
	romfs := []byte{0xAA, 0xBB, 0xCC}

	bundle, err := BuildBundle(seg, smdh, romfs)
	require.NoError(t, err)

	h, err := readBundleHeader(bundle)
	require.NoError(t, err)
	require.Equal(t, uint32(len(seg.Code)), h.CodeSize)
	require.Equal(t, uint32(len(seg.Rodata)), h.RodataSize)
	require.Equal(t, uint32(len(seg.Data))+seg.BssLen, h.DataSize)
	require.Equal(t, seg.BssLen, h.BssSize)

	wantSmdhOff := uint32(bundleHeaderLen + bundleSegments*relocHeaderLen + 4 + 2 + 3)
	require.Equal(t, wantSmdhOff, h.SmdhOffset)
	require.Equal(t, uint32(smdhSize), h.SmdhSize)
	require.Equal(t, wantSmdhOff+uint32(smdhSize), h.RomfsOffset)

	// Payloads land at their stated offsets.
	payloadOff := bundleHeaderLen + bundleSegments*relocHeaderLen
	require.Equal(t, seg.Code, bundle[payloadOff:payloadOff+4])
	require.Equal(t, smdh, bundle[h.SmdhOffset:h.SmdhOffset+h.SmdhSize])
	require.Equal(t, romfs, bundle[h.RomfsOffset:])
	require.Len(t, bundle, int(h.RomfsOffset)+len(romfs))
}

func TestBuildBundleWithoutRomfs(t *testing.T) {
	bundle, err := BuildBundle(testELFSegments(), testSMDH(t), nil)
	require.NoError(t, err)

	h, err := readBundleHeader(bundle)
	require.NoError(t, err)
	require.Zero(t, h.RomfsOffset)
	require.Len(t, bundle, int(h.SmdhOffset)+int(h.SmdhSize))
}

func TestBuildBundleRelocationHeadersAreZero(t *testing.T) {
	bundle, err := BuildBundle(testELFSegments(), testSMDH(t), nil)
	require.NoError(t, err)

	relocs := bundle[bundleHeaderLen : bundleHeaderLen+bundleSegments*relocHeaderLen]
	require.Equal(t, make([]byte, len(relocs)), relocs)
}

func TestBuildBundleDeterministic(t *testing.T) {
	smdh := testSMDH(t)
	a, err := BuildBundle(testELFSegments(), smdh, nil)
	require.NoError(t, err)
	b, err := BuildBundle(testELFSegments(), smdh, nil)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b))
}

func TestBuildBundleRejectsWrongSMDHSize(t *testing.T) {
	_, err := BuildBundle(testELFSegments(), make([]byte, 100), nil)
	require.Error(t, err)
}

func TestReadBundleHeaderRejectsBadMagic(t *testing.T) {
	data := make([]byte, bundleHeaderLen)
	binary.LittleEndian.PutUint32(data, 0xDEADBEEF)
	_, err := readBundleHeader(data)
	require.Error(t, err)

	_, err = readBundleHeader(data[:10])
	require.Error(t, err)
}

func TestPackageBundleWritesNextToArtifact(t *testing.T) {
	dir := t.TempDir()
	elfPath := filepath.Join(dir, "app.elf")
	writeTestELF(t, elfPath, emARM, []testSegment{
		{payload: []byte{1, 2, 3, 4}, vaddr: 0x100000, flags: 5},
		{payload: []byte{7, 8}, vaddr: 0x300000, flags: 6, bss: 8},
	})

	artifact := &BuildArtifact{ExecutablePath: elfPath, Name: "app"}
	bundlePath, err := PackageBundle(artifact, testSMDH(t), nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "app.3dsx"), bundlePath)

	bundle, err := os.ReadFile(bundlePath)
	require.NoError(t, err)
	h, err := readBundleHeader(bundle)
	require.NoError(t, err)
	require.Equal(t, uint32(4), h.CodeSize)
	require.Equal(t, uint32(10), h.DataSize)
	require.Equal(t, uint32(8), h.BssSize)

	smdh, err := os.ReadFile(filepath.Join(dir, "app.smdh"))
	require.NoError(t, err)
	require.Len(t, smdh, smdhSize)
}

func TestPackageBundleLeavesNothingOnMalformedArtifact(t *testing.T) {
	dir := t.TempDir()
	elfPath := filepath.Join(dir, "app.elf")
	require.NoError(t, os.WriteFile(elfPath, []byte("garbage"), 0o755))

	artifact := &BuildArtifact{ExecutablePath: elfPath, Name: "app"}
	_, err := PackageBundle(artifact, testSMDH(t), nil)
	var malformed *MalformedArtifactError
	require.ErrorAs(t, err, &malformed)

	_, err = os.Stat(filepath.Join(dir, "app.3dsx"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "app.smdh"))
	require.True(t, os.IsNotExist(err))
}

func TestWithExtension(t *testing.T) {
	require.Equal(t, "/x/app.3dsx", withExtension("/x/app.elf", ".3dsx"))
	require.Equal(t, "/x/app.3dsx", withExtension("/x/app", ".3dsx"))
	require.Equal(t, "/x.y/app.3dsx", withExtension("/x.y/app", ".3dsx"))
}
