package ctrbuild

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// SMDH layout. The block is a fixed 0x36C0 bytes; every offset below is
// format-defined and written explicitly, never derived from Go struct
// layout. All multi-byte fields are little-endian.
const (
	smdhSize = 0x36C0

	smdhTitlesOffset = 0x0008 // 16 language slots
	smdhTitleCount   = 16
	smdhTitleSize    = 0x200

	// Per title slot, in UTF-16 code units.
	smdhShortDescLen = 0x40
	smdhLongDescLen  = 0x80
	smdhPublisherLen = 0x40

	smdhSettingsOffset  = 0x2008
	smdhSmallIconOffset = 0x2040
	smdhLargeIconOffset = 0x24C0

	// Application settings fields, relative to smdhSettingsOffset.
	smdhRegionLockout = 0x10
	smdhMatchmakerID  = 0x14
	smdhFlags         = 0x20

	smdhRegionFree  = 0x7FFFFFFF
	smdhFlagVisible = 1 << 0
)

// encodeUTF16Field writes s into a fixed UTF-16LE field of maxUnits code
// units, always leaving at least one terminating NUL. Longer strings are
// truncated with a console notice; the caller sees the truncation too so
// tests can assert on the returned value.
func encodeUTF16Field(dst []byte, s string, maxUnits int, field string) string {
	units := utf16.Encode([]rune(s))
	if len(units) > maxUnits-1 {
		units = units[:maxUnits-1]
		s = string(utf16.Decode(units))
		colArrow.Print("-> ")
		colWarn.Printf("%s exceeds %d characters, truncated to %q\n", field, maxUnits-1, s)
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:], u)
	}
	// The rest of the field is already zero (NUL padding).
	return s
}

// BuildSMDH assembles the metadata block from the resolved metadata and
// the two icon bitmaps. All 16 language slots get the same title strings;
// reserved regions stay zero-filled. The output is deterministic: the same
// inputs always yield identical bytes.
func BuildSMDH(meta *AppMetadata, largeIcon, smallIcon []byte) ([]byte, error) {
	if len(largeIcon) != largeIconBytes {
		return nil, fmt.Errorf("large icon must be %d bytes, got %d", largeIconBytes, len(largeIcon))
	}
	if len(smallIcon) != smallIconBytes {
		return nil, fmt.Errorf("small icon must be %d bytes, got %d", smallIconBytes, len(smallIcon))
	}

	block := make([]byte, smdhSize)
	copy(block[0:4], "SMDH")
	// version and the reserved word stay zero

	// Encode the first slot, then replicate: the truncation notice should
	// be printed once, not sixteen times.
	first := block[smdhTitlesOffset : smdhTitlesOffset+smdhTitleSize]
	encodeUTF16Field(first[0:], meta.Title, smdhShortDescLen, "title")
	encodeUTF16Field(first[smdhShortDescLen*2:], meta.Description, smdhLongDescLen, "description")
	encodeUTF16Field(first[(smdhShortDescLen+smdhLongDescLen)*2:], meta.Author, smdhPublisherLen, "author")
	for slot := 1; slot < smdhTitleCount; slot++ {
		off := smdhTitlesOffset + slot*smdhTitleSize
		copy(block[off:off+smdhTitleSize], first)
	}

	settings := block[smdhSettingsOffset:]
	binary.LittleEndian.PutUint32(settings[smdhRegionLockout:], smdhRegionFree)
	binary.LittleEndian.PutUint32(settings[smdhMatchmakerID:], meta.UniqueID)
	binary.LittleEndian.PutUint32(settings[smdhFlags:], smdhFlagVisible)

	copy(block[smdhSmallIconOffset:smdhSmallIconOffset+smallIconBytes], smallIcon)
	copy(block[smdhLargeIconOffset:smdhLargeIconOffset+largeIconBytes], largeIcon)

	return block, nil
}

// BuildMetadataBlock runs the whole metadata assembly for one artifact:
// icon load (with default fallback), conversion to both fixed formats, and
// SMDH encoding.
func BuildMetadataBlock(meta *AppMetadata) ([]byte, error) {
	large, small := ConvertIcon(LoadIcon(meta.IconPath))
	return BuildSMDH(meta, large, small)
}
