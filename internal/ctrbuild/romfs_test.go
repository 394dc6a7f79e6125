package ctrbuild

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeRomfsTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "gfx"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sfx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gfx", "sprite.bin"), []byte{1, 2, 3}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "gfx", "tiles.bin"), bytes.Repeat([]byte{7}, 40), 0o644))
	return root
}

func romfsHeaderWords(image []byte) []uint32 {
	words := make([]uint32, 10)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(image[i*4:])
	}
	return words
}

func TestBuildRomfsHeader(t *testing.T) {
	image, err := BuildRomfs(makeRomfsTree(t))
	require.NoError(t, err)

	w := romfsHeaderWords(image)
	require.Equal(t, uint32(romfsHeaderLen), w[0])
	require.Equal(t, uint32(romfsHeaderLen), w[1], "dir hash table follows the header")

	// Sections are contiguous and in order: dir hash, dir meta, file hash,
	// file meta, then aligned file data.
	require.Equal(t, w[1]+w[2], w[3])
	require.Equal(t, w[3]+w[4], w[5])
	require.Equal(t, w[5]+w[6], w[7])
	require.Equal(t, alignUp32(w[7]+w[8], romfsDataAlign), w[9])
	require.Zero(t, w[9]%romfsDataAlign)

	// 3 dirs + root, 3 files.
	require.Equal(t, uint32(hashBucketCount(4)*4), w[2])
	require.Equal(t, uint32(hashBucketCount(3)*4), w[6])
}

func TestBuildRomfsDeterministic(t *testing.T) {
	root := makeRomfsTree(t)
	a, err := BuildRomfs(root)
	require.NoError(t, err)
	b, err := BuildRomfs(root)
	require.NoError(t, err)
	require.True(t, bytes.Equal(a, b))
}

func TestBuildRomfsRootDirMeta(t *testing.T) {
	image, err := BuildRomfs(makeRomfsTree(t))
	require.NoError(t, err)

	w := romfsHeaderWords(image)
	root := image[w[3]:]
	require.Zero(t, binary.LittleEndian.Uint32(root[0x00:]), "root is its own parent")
	require.Equal(t, uint32(romfsNone), binary.LittleEndian.Uint32(root[0x04:]), "root has no sibling")
	require.NotEqual(t, uint32(romfsNone), binary.LittleEndian.Uint32(root[0x08:]), "root has child dirs")
	require.NotEqual(t, uint32(romfsNone), binary.LittleEndian.Uint32(root[0x0C:]), "root has a file")
	require.Zero(t, binary.LittleEndian.Uint32(root[0x14:]), "root name is empty")
}

func TestBuildRomfsFileContents(t *testing.T) {
	image, err := BuildRomfs(makeRomfsTree(t))
	require.NoError(t, err)
	w := romfsHeaderWords(image)

	// First file in walk order is readme.txt (root files come before
	// subdirectory files); its metadata entry starts the file meta table.
	meta := image[w[7]:]
	dataOff := binary.LittleEndian.Uint64(meta[0x08:])
	size := binary.LittleEndian.Uint64(meta[0x10:])
	require.Equal(t, uint64(5), size)
	nameLen := binary.LittleEndian.Uint32(meta[0x1C:])
	require.Equal(t, uint32(len("readme.txt")*2), nameLen)

	start := uint64(w[9]) + dataOff
	require.Equal(t, []byte("hello"), image[start:start+size])
}

func TestBuildRomfsHashChains(t *testing.T) {
	image, err := BuildRomfs(makeRomfsTree(t))
	require.NoError(t, err)
	w := romfsHeaderWords(image)

	// Every file must be reachable from its hash bucket.
	buckets := int(w[6] / 4)
	found := 0
	for b := 0; b < buckets; b++ {
		off := binary.LittleEndian.Uint32(image[w[5]+uint32(b*4):])
		for off != romfsNone {
			found++
			off = binary.LittleEndian.Uint32(image[w[7]+off+0x18:])
		}
	}
	require.Equal(t, 3, found)

	// Same for directories, root included.
	buckets = int(w[2] / 4)
	found = 0
	for b := 0; b < buckets; b++ {
		off := binary.LittleEndian.Uint32(image[w[1]+uint32(b*4):])
		for off != romfsNone {
			found++
			off = binary.LittleEndian.Uint32(image[w[3]+off+0x10:])
		}
	}
	require.Equal(t, 4, found)
}

func TestBuildRomfsEmptyTree(t *testing.T) {
	image, err := BuildRomfs(t.TempDir())
	require.NoError(t, err)
	w := romfsHeaderWords(image)
	require.Zero(t, w[8], "no file metadata")
	require.Equal(t, uint32(len(image)), w[9])
}

func TestBuildRomfsMissingRoot(t *testing.T) {
	_, err := BuildRomfs(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestHashBucketCount(t *testing.T) {
	require.Equal(t, 3, hashBucketCount(0))
	require.Equal(t, 3, hashBucketCount(2))
	require.Equal(t, 3, hashBucketCount(3))
	require.Equal(t, 5, hashBucketCount(4))
	require.Equal(t, 19, hashBucketCount(18))
	for _, n := range []int{19, 20, 100} {
		count := hashBucketCount(n)
		require.GreaterOrEqual(t, count, n)
		for _, p := range []int{2, 3, 5, 7, 11, 13, 17} {
			require.NotZero(t, count%p, "bucket count %d divisible by %d", count, p)
		}
	}
}

func TestRomfsHashDependsOnParent(t *testing.T) {
	require.NotEqual(t, romfsHash(0, "a"), romfsHash(0x18, "a"))
	require.NotEqual(t, romfsHash(0, "a"), romfsHash(0, "b"))
	require.Equal(t, romfsHash(0x20, "name"), romfsHash(0x20, "name"))
}
