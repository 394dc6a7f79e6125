package ctrbuild

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMessageLine(t *testing.T) {
	require.Nil(t, parseMessageLine([]byte("   Compiling foo v0.1.0")))
	require.Nil(t, parseMessageLine([]byte("")))
	require.Nil(t, parseMessageLine([]byte("{not json")))

	msg := parseMessageLine([]byte(`{"reason":"build-finished","success":true}`))
	require.NotNil(t, msg)
	require.Equal(t, "build-finished", msg.Reason)
	require.True(t, msg.Success)
}

func TestArtifactFromMessage(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantNil  bool
		wantKind ArtifactKind
		wantName string
		wantPkg  string
	}{
		{
			name:    "library artifact has no executable",
			line:    `{"reason":"compiler-artifact","package_id":"foo 0.1.0 (path+file:///x)","target":{"kind":["lib"],"name":"foo"}}`,
			wantNil: true,
		},
		{
			name:    "non-artifact message",
			line:    `{"reason":"build-script-executed"}`,
			wantNil: true,
		},
		{
			name:     "binary",
			line:     `{"reason":"compiler-artifact","package_id":"foo 0.1.0 (path+file:///x)","executable":"/t/foo","target":{"kind":["bin"],"name":"foo"}}`,
			wantKind: KindBinary,
			wantName: "foo",
			wantPkg:  "foo",
		},
		{
			name:     "example",
			line:     `{"reason":"compiler-artifact","package_id":"path+file:///x#foo@0.1.0","executable":"/t/demo","target":{"kind":["example"],"name":"demo"}}`,
			wantKind: KindExample,
			wantName: "demo",
			wantPkg:  "foo",
		},
		{
			name:     "test harness overrides target kind",
			line:     `{"reason":"compiler-artifact","package_id":"path+file:///x#foo@0.1.0","executable":"/t/foo-abc","target":{"kind":["bin"],"name":"foo"},"profile":{"test":true}}`,
			wantKind: KindTest,
			wantName: "foo",
			wantPkg:  "foo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := parseMessageLine([]byte(tt.line))
			require.NotNil(t, msg)
			a := artifactFromMessage(msg, targetTriple)
			if tt.wantNil {
				require.Nil(t, a)
				return
			}
			require.NotNil(t, a)
			require.Equal(t, tt.wantKind, a.Kind)
			require.Equal(t, tt.wantName, a.Name)
			require.Equal(t, tt.wantPkg, a.PackageName)
			require.Equal(t, targetTriple, a.Target)
		})
	}
}

func TestPackageNameFromID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"foo 0.1.0 (path+file:///home/user/foo)", "foo"},
		{"path+file:///home/user/foo#foo@0.1.0", "foo"},
		{"path+file:///home/user/my-app#0.1.0", "my-app"},
		{"registry+https://github.com/rust-lang/crates.io-index#serde@1.0.0", "serde"},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, packageNameFromID(tt.id), "id %q", tt.id)
	}
}

func TestSelectArtifact(t *testing.T) {
	bin := &BuildArtifact{Name: "app", Kind: KindBinary}
	example := &BuildArtifact{Name: "demo", Kind: KindExample}

	_, err := SelectArtifact(nil, "")
	require.ErrorIs(t, err, errNoArtifact)

	got, err := SelectArtifact([]*BuildArtifact{bin}, "")
	require.NoError(t, err)
	require.Same(t, bin, got)

	got, err = SelectArtifact([]*BuildArtifact{bin, example}, "demo")
	require.NoError(t, err)
	require.Same(t, example, got)

	_, err = SelectArtifact([]*BuildArtifact{bin, example}, "missing")
	require.ErrorIs(t, err, errNoArtifact)

	_, err = SelectArtifact([]*BuildArtifact{bin, example}, "")
	var ambiguous *AmbiguousArtifactError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, []string{"app", "demo"}, ambiguous.Candidates)
}

func TestArtifactDisplayName(t *testing.T) {
	require.Equal(t, "app",
		(&BuildArtifact{Name: "app", Kind: KindBinary}).DisplayName())
	require.Equal(t, "app tests",
		(&BuildArtifact{Name: "app", Kind: KindTest}).DisplayName())
	require.Equal(t, "demo - app example",
		(&BuildArtifact{Name: "demo", PackageName: "app", Kind: KindExample}).DisplayName())
}
