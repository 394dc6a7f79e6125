package ctrbuild

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ArtifactKind classifies an executable reported by the build subprocess.
type ArtifactKind int

const (
	KindBinary ArtifactKind = iota
	KindExample
	KindTest
	KindBench
)

func (k ArtifactKind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindExample:
		return "example"
	case KindTest:
		return "test"
	case KindBench:
		return "bench"
	}
	return "unknown"
}

// BuildArtifact is one compiled executable from the cargo message stream.
// Immutable once recorded.
type BuildArtifact struct {
	ExecutablePath string
	Kind           ArtifactKind
	Name           string // target name, e.g. the bin or example name
	PackageName    string
	ManifestPath   string
	Target         string // target triple it was compiled for
}

// DisplayName is the human title for the artifact, used as the default
// bundle title (devkitPro convention for tests/examples).
func (a *BuildArtifact) DisplayName() string {
	switch a.Kind {
	case KindTest:
		return a.Name + " tests"
	case KindExample:
		return fmt.Sprintf("%s - %s example", a.Name, a.PackageName)
	}
	return a.Name
}

// cargoMessage is the subset of cargo's --message-format=json output we care
// about. Everything else is carried around opaquely.
type cargoMessage struct {
	Reason     string `json:"reason"`
	PackageID  string `json:"package_id"`
	Executable string `json:"executable"`
	Manifest   string `json:"manifest_path"`
	Target     struct {
		Kind []string `json:"kind"`
		Name string   `json:"name"`
		Test bool     `json:"test"`
	} `json:"target"`
	Profile struct {
		Test bool `json:"test"`
	} `json:"profile"`
	Message struct {
		Rendered string `json:"rendered"`
	} `json:"message"`
	Success bool `json:"success"`
}

// parseMessageLine decodes one line of the structured stream. Lines that are
// not JSON objects (cargo sometimes interleaves plain text) yield nil.
func parseMessageLine(line []byte) *cargoMessage {
	trimmed := strings.TrimSpace(string(line))
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var msg cargoMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		debugf("skipping unparsable build message: %v\n", err)
		return nil
	}
	return &msg
}

func artifactFromMessage(msg *cargoMessage, target string) *BuildArtifact {
	if msg.Reason != "compiler-artifact" || msg.Executable == "" {
		return nil
	}

	kind := KindBinary
	if len(msg.Target.Kind) > 0 {
		switch msg.Target.Kind[0] {
		case "example":
			kind = KindExample
		case "bench":
			kind = KindBench
		}
	}
	// Test harness executables report profile.test regardless of target kind.
	if msg.Profile.Test {
		kind = KindTest
	}

	return &BuildArtifact{
		ExecutablePath: msg.Executable,
		Kind:           kind,
		Name:           msg.Target.Name,
		PackageName:    packageNameFromID(msg.PackageID),
		ManifestPath:   msg.Manifest,
		Target:         target,
	}
}

// packageNameFromID extracts the package name from a cargo package id.
// Handles both the old format ("name version (url)") and the newer
// format ("path#name@version" or "path#version").
func packageNameFromID(id string) string {
	if frag := strings.LastIndex(id, "#"); frag >= 0 {
		rest := id[frag+1:]
		if name, _, ok := strings.Cut(rest, "@"); ok {
			return name
		}
		// "path#1.2.3": the name is the last path element
		base := id[:frag]
		if slash := strings.LastIndexByte(base, '/'); slash >= 0 {
			return base[slash+1:]
		}
		return base
	}
	if name, _, ok := strings.Cut(id, " "); ok {
		return name
	}
	return id
}

// SelectArtifact returns the single executable matching the optional name
// filter. Zero matches is errNoArtifact; several matches without a filter
// must surface every candidate so a human can choose.
func SelectArtifact(artifacts []*BuildArtifact, filter string) (*BuildArtifact, error) {
	var matches []*BuildArtifact
	for _, a := range artifacts {
		if filter == "" || a.Name == filter {
			matches = append(matches, a)
		}
	}

	switch len(matches) {
	case 0:
		if filter != "" {
			return nil, fmt.Errorf("%w (filter %q)", errNoArtifact, filter)
		}
		return nil, errNoArtifact
	case 1:
		return matches[0], nil
	}

	names := make([]string, len(matches))
	for i, a := range matches {
		names[i] = a.Name
	}
	return nil, &AmbiguousArtifactError{Candidates: names}
}
