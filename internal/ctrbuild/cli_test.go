package ctrbuild

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInvocationCommands(t *testing.T) {
	tests := []struct {
		arg  string
		want command
	}{
		{"build", cmdBuild}, {"b", cmdBuild},
		{"run", cmdRun}, {"r", cmdRun},
		{"test", cmdTest}, {"t", cmdTest},
		{"link", cmdLink}, {"l", cmdLink},
		{"new", cmdNew}, {"n", cmdNew},
		{"dist", cmdDist},
		{"publish", cmdPublish},
		{"version", cmdVersion}, {"--version", cmdVersion},
	}
	for _, tt := range tests {
		inv, err := parseInvocation(tt.arg, nil)
		require.NoError(t, err, tt.arg)
		require.Equal(t, tt.want, inv.cmd, tt.arg)
	}

	_, err := parseInvocation("bogus", nil)
	require.Error(t, err)
}

func TestParseInvocationFlags(t *testing.T) {
	inv, err := parseInvocation("run", []string{
		"--release", "--bin", "app",
		"--address", "192.168.1.42", "--retries", "3", "--server",
	})
	require.NoError(t, err)
	require.True(t, inv.release)
	require.Equal(t, "app", inv.filter)
	require.Equal(t, "192.168.1.42", inv.address)
	require.Equal(t, 3, inv.retries)
	require.True(t, inv.server)

	// --bin also reaches cargo; --release does not, the build options
	// carry it so cargo sees the flag exactly once.
	require.Equal(t, []string{"--bin", "app"}, inv.passthrough)
}

func TestParseInvocationEqualsForm(t *testing.T) {
	inv, err := parseInvocation("build", []string{"--example=demo", "--address=3ds.local"})
	require.NoError(t, err)
	require.Equal(t, "demo", inv.filter)
	require.Equal(t, "3ds.local", inv.address)
	require.Equal(t, []string{"--example", "demo"}, inv.passthrough)
}

func TestParseInvocationPassthroughSplit(t *testing.T) {
	inv, err := parseInvocation("run", []string{
		"--release", "--", "--features", "audio", "--", "arg1", "arg2",
	})
	require.NoError(t, err)
	require.True(t, inv.release)
	require.Equal(t, []string{"--features", "audio"}, inv.passthrough)
	require.Equal(t, []string{"arg1", "arg2"}, inv.exeArgs)
}

func TestParseInvocationUnknownFlagsGoToCargo(t *testing.T) {
	inv, err := parseInvocation("build", []string{"--workspace", "-p", "app"})
	require.NoError(t, err)
	require.Equal(t, []string{"--workspace", "-p", "app"}, inv.passthrough)
}

func TestParseInvocationBadRetries(t *testing.T) {
	_, err := parseInvocation("run", []string{"--retries", "many"})
	require.Error(t, err)
	_, err = parseInvocation("run", []string{"--retries", "-1"})
	require.Error(t, err)
	_, err = parseInvocation("run", []string{"--retries"})
	require.Error(t, err)
}

func TestParseInvocationTestFlags(t *testing.T) {
	inv, err := parseInvocation("test", []string{"--no-run"})
	require.NoError(t, err)
	require.True(t, inv.noRun)

	inv, err = parseInvocation("test", []string{"--doc"})
	require.NoError(t, err)
	require.True(t, inv.doc)
}
