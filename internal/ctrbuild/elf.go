package ctrbuild

import (
	"debug/elf"
	"fmt"
	"sort"
)

// elfSegments is the loadable part of a compiled artifact, exactly as the
// compiler laid it out. Nothing here is relinked or relocated; packaging is
// a pure repackaging step.
type elfSegments struct {
	Entry  uint64
	Code   []byte // RX
	Rodata []byte // R
	Data   []byte // RW, without the bss tail
	BssLen uint32
}

// readELFSegments opens the artifact and extracts its code/rodata/data
// segments. Any inconsistency between declared and actual sizes is a
// MalformedArtifactError; the packager never truncates or pads silently.
func readELFSegments(path string) (*elfSegments, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &MalformedArtifactError{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_ARM {
		return nil, &MalformedArtifactError{
			Path:   path,
			Reason: fmt.Sprintf("not a 32-bit little-endian ARM executable (class=%v machine=%v)", f.Class, f.Machine),
		}
	}

	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			loads = append(loads, p)
		}
	}
	if len(loads) == 0 || len(loads) > 3 {
		return nil, &MalformedArtifactError{
			Path:   path,
			Reason: fmt.Sprintf("expected 1-3 loadable segments, found %d", len(loads)),
		}
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	seg := &elfSegments{Entry: f.Entry}
	for i, p := range loads {
		if p.Filesz > p.Memsz {
			return nil, &MalformedArtifactError{
				Path:   path,
				Reason: fmt.Sprintf("segment %d declares filesz %d > memsz %d", i, p.Filesz, p.Memsz),
			}
		}
		payload := make([]byte, p.Filesz)
		if _, err := p.ReadAt(payload, 0); err != nil {
			return nil, &MalformedArtifactError{
				Path:   path,
				Reason: fmt.Sprintf("segment %d payload shorter than declared size %d: %v", i, p.Filesz, err),
			}
		}

		flags := p.Flags & (elf.PF_R | elf.PF_W | elf.PF_X)
		switch {
		case flags&elf.PF_X != 0:
			if seg.Code != nil {
				return nil, &MalformedArtifactError{Path: path, Reason: "multiple executable segments"}
			}
			seg.Code = payload
		case flags&elf.PF_W != 0:
			if seg.Data != nil {
				return nil, &MalformedArtifactError{Path: path, Reason: "multiple writable segments"}
			}
			seg.Data = payload
			seg.BssLen = uint32(p.Memsz - p.Filesz)
		default:
			if seg.Rodata != nil {
				return nil, &MalformedArtifactError{Path: path, Reason: "multiple read-only segments"}
			}
			seg.Rodata = payload
		}
	}
	if seg.Code == nil {
		return nil, &MalformedArtifactError{Path: path, Reason: "no executable segment"}
	}
	if seg.Entry != loads[0].Vaddr {
		return nil, &MalformedArtifactError{
			Path:   path,
			Reason: fmt.Sprintf("entry point %#x is not the start of the code segment %#x", seg.Entry, loads[0].Vaddr),
		}
	}
	return seg, nil
}
