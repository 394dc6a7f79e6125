package ctrbuild

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf16"
)

// RomFS level-3 image builder. The image is the platform's read-only
// filesystem: a fixed header, hash and metadata tables for directories and
// files (UTF-16 names), then the file payloads. Directory walks are sorted,
// so the same source tree always produces identical bytes.
const (
	romfsHeaderLen = 0x28
	romfsNone      = 0xFFFFFFFF
	romfsDataAlign = 0x10
)

type romfsDir struct {
	name    string
	path    string
	parent  *romfsDir
	dirs    []*romfsDir
	files   []*romfsFile
	metaOff uint32
	next    uint32 // next dir in the same hash bucket
}

type romfsFile struct {
	name    string
	path    string
	size    uint64
	parent  *romfsDir
	metaOff uint32
	dataOff uint64
	next    uint32 // next file in the same hash bucket
}

func utf16Len(name string) uint32 {
	return uint32(len(utf16.Encode([]rune(name))) * 2)
}

// scanRomfsTree walks the source directory. Directories come back in
// pre-order (parents before children) and files grouped per directory,
// both name-sorted.
func scanRomfsTree(root string) ([]*romfsDir, []*romfsFile, error) {
	rootDir := &romfsDir{path: root}
	dirs := []*romfsDir{rootDir}

	for i := 0; i < len(dirs); i++ {
		d := dirs[i]
		entries, err := os.ReadDir(d.path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read romfs dir %s: %w", d.path, err)
		}
		sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

		for _, ent := range entries {
			full := filepath.Join(d.path, ent.Name())
			if ent.IsDir() {
				child := &romfsDir{name: ent.Name(), path: full, parent: d}
				d.dirs = append(d.dirs, child)
				dirs = append(dirs, child)
			} else {
				info, err := ent.Info()
				if err != nil {
					return nil, nil, err
				}
				d.files = append(d.files, &romfsFile{
					name:   ent.Name(),
					path:   full,
					size:   uint64(info.Size()),
					parent: d,
				})
			}
		}
	}

	var files []*romfsFile
	for _, d := range dirs {
		files = append(files, d.files...)
	}
	return dirs, files, nil
}

// romfsHash is the platform's directory/file lookup hash.
func romfsHash(parentOff uint32, name string) uint32 {
	hash := parentOff ^ 123456789
	for _, u := range utf16.Encode([]rune(name)) {
		hash = (hash>>5 | hash<<27) ^ uint32(u)
	}
	return hash
}

// hashBucketCount picks a bucket count with few small prime factors, the
// same scheme the platform's own tooling uses.
func hashBucketCount(entries int) int {
	if entries < 3 {
		return 3
	}
	if entries < 19 {
		return entries | 1
	}
	count := entries
	for count%2 == 0 || count%3 == 0 || count%5 == 0 || count%7 == 0 ||
		count%11 == 0 || count%13 == 0 || count%17 == 0 {
		count++
	}
	return count
}

// BuildRomfs builds a RomFS image from the given directory tree.
func BuildRomfs(root string) ([]byte, error) {
	dirs, files, err := scanRomfsTree(root)
	if err != nil {
		return nil, err
	}

	// Metadata offsets. Dir entries are 6 words + padded name, file
	// entries 4 words + 2 double words + padded name.
	dirMetaLen := uint32(0)
	for _, d := range dirs {
		d.metaOff = dirMetaLen
		dirMetaLen += 0x18 + alignUp32(utf16Len(d.name), 4)
	}
	fileMetaLen := uint32(0)
	var dataLen uint64
	for _, f := range files {
		f.metaOff = fileMetaLen
		fileMetaLen += 0x20 + alignUp32(utf16Len(f.name), 4)
		f.dataOff = alignUp64(dataLen, romfsDataAlign)
		dataLen = f.dataOff + f.size
	}

	// Hash tables, chained through the metadata entries. Iterating in
	// reverse keeps the chain head at the first entry in walk order.
	dirBuckets := make([]uint32, hashBucketCount(len(dirs)))
	for i := range dirBuckets {
		dirBuckets[i] = romfsNone
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		b := romfsHash(parentMetaOff(d), d.name) % uint32(len(dirBuckets))
		d.next = dirBuckets[b]
		dirBuckets[b] = d.metaOff
	}
	fileBuckets := make([]uint32, hashBucketCount(len(files)))
	for i := range fileBuckets {
		fileBuckets[i] = romfsNone
	}
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		b := romfsHash(f.parent.metaOff, f.name) % uint32(len(fileBuckets))
		f.next = fileBuckets[b]
		fileBuckets[b] = f.metaOff
	}

	// Section layout.
	dirHashOff := uint32(romfsHeaderLen)
	dirHashLen := uint32(len(dirBuckets) * 4)
	dirMetaOff := dirHashOff + dirHashLen
	fileHashOff := dirMetaOff + dirMetaLen
	fileHashLen := uint32(len(fileBuckets) * 4)
	fileMetaOff := fileHashOff + fileHashLen
	fileDataOff := alignUp32(fileMetaOff+fileMetaLen, romfsDataAlign)

	image := make([]byte, uint64(fileDataOff)+dataLen)
	le := binary.LittleEndian

	for i, v := range []uint32{
		romfsHeaderLen,
		dirHashOff, dirHashLen,
		dirMetaOff, dirMetaLen,
		fileHashOff, fileHashLen,
		fileMetaOff, fileMetaLen,
		fileDataOff,
	} {
		le.PutUint32(image[i*4:], v)
	}
	for i, v := range dirBuckets {
		le.PutUint32(image[dirHashOff+uint32(i*4):], v)
	}
	for i, v := range fileBuckets {
		le.PutUint32(image[fileHashOff+uint32(i*4):], v)
	}

	for _, d := range dirs {
		off := dirMetaOff + d.metaOff
		le.PutUint32(image[off+0x00:], parentMetaOff(d))
		le.PutUint32(image[off+0x04:], siblingDir(d))
		le.PutUint32(image[off+0x08:], firstChildDir(d))
		le.PutUint32(image[off+0x0C:], firstChildFile(d))
		le.PutUint32(image[off+0x10:], d.next)
		writeRomfsName(image[off+0x14:], d.name)
	}

	for _, f := range files {
		off := fileMetaOff + f.metaOff
		le.PutUint32(image[off+0x00:], f.parent.metaOff)
		le.PutUint32(image[off+0x04:], siblingFile(f))
		le.PutUint64(image[off+0x08:], f.dataOff)
		le.PutUint64(image[off+0x10:], f.size)
		le.PutUint32(image[off+0x18:], f.next)
		writeRomfsName(image[off+0x1C:], f.name)

		data, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read romfs file %s: %w", f.path, err)
		}
		if uint64(len(data)) != f.size {
			return nil, fmt.Errorf("romfs file %s changed size during packaging", f.path)
		}
		copy(image[uint64(fileDataOff)+f.dataOff:], data)
	}

	return image, nil
}

func parentMetaOff(d *romfsDir) uint32 {
	if d.parent == nil {
		return 0 // the root is its own parent
	}
	return d.parent.metaOff
}

func siblingDir(d *romfsDir) uint32 {
	if d.parent == nil {
		return romfsNone
	}
	siblings := d.parent.dirs
	for i, s := range siblings {
		if s == d && i+1 < len(siblings) {
			return siblings[i+1].metaOff
		}
	}
	return romfsNone
}

func siblingFile(f *romfsFile) uint32 {
	siblings := f.parent.files
	for i, s := range siblings {
		if s == f && i+1 < len(siblings) {
			return siblings[i+1].metaOff
		}
	}
	return romfsNone
}

func firstChildDir(d *romfsDir) uint32 {
	if len(d.dirs) == 0 {
		return romfsNone
	}
	return d.dirs[0].metaOff
}

func firstChildFile(d *romfsDir) uint32 {
	if len(d.files) == 0 {
		return romfsNone
	}
	return d.files[0].metaOff
}

// writeRomfsName writes the name length word followed by the UTF-16LE name.
// The padding bytes after the name are already zero.
func writeRomfsName(dst []byte, name string) {
	units := utf16.Encode([]rune(name))
	binary.LittleEndian.PutUint32(dst[0:], uint32(len(units)*2))
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[4+i*2:], u)
	}
}

func alignUp32(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }
func alignUp64(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }
