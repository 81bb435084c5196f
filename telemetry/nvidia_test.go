package telemetry

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devicesCSV = `0, NVIDIA A100-SXM4-40GB, 34, 0, 3, 40960, GPU-aaaa
1, NVIDIA A100-SXM4-40GB, 71, 97, 38000, 40960, GPU-bbbb
2, NVIDIA A100-SXM4-40GB, [N/A], [N/A], [N/A], [N/A], GPU-cccc
bogus line
x, NVIDIA A100-SXM4-40GB, 30, 0, 0, 40960, GPU-dddd
`

const processesCSV = `GPU-bbbb, 4242, python, 37000
GPU-bbbb, 4243, /usr/bin/python3, [N/A]
GPU-aaaa, 17
`

func TestParseDevices(t *testing.T) {
	devices, err := parseDevices([]byte(devicesCSV))
	require.NoError(t, err)
	want := []Device{
		{Index: 0, Name: "NVIDIA A100-SXM4-40GB", TemperatureC: 34, UtilizationPct: 0, MemUsedMiB: 3, MemTotalMiB: 40960, UUID: "GPU-aaaa"},
		{Index: 1, Name: "NVIDIA A100-SXM4-40GB", TemperatureC: 71, UtilizationPct: 97, MemUsedMiB: 38000, MemTotalMiB: 40960, UUID: "GPU-bbbb"},
		{Index: 2, Name: "NVIDIA A100-SXM4-40GB", TemperatureC: -1, UtilizationPct: -1, MemUsedMiB: -1, MemTotalMiB: -1, UUID: "GPU-cccc"},
	}
	assert.Equal(t, want, devices)
}

func TestParseDevices_Empty(t *testing.T) {
	devices, err := parseDevices(nil)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestParseProcesses(t *testing.T) {
	procs, err := parseProcesses([]byte(processesCSV))
	require.NoError(t, err)
	assert.Equal(t, map[string][]Process{
		"GPU-bbbb": {
			{PID: "4242", Name: "python", MemMiB: 37000},
			{PID: "4243", Name: "/usr/bin/python3", MemMiB: -1},
		},
	}, procs)
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		run     runFunc
		check   func(t *testing.T, err error)
		timeout time.Duration
	}{
		{
			name: "binary missing",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
			},
			check: func(t *testing.T, err error) { assert.Equal(t, ErrToolNotFound, err) },
		},
		{
			name: "timeout",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout: 20 * time.Millisecond,
			check:   func(t *testing.T, err error) { assert.Equal(t, ErrTimeout, err) },
		},
		{
			name: "non-zero exit",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return execRun(ctx, "sh", "-c", "echo 'NVIDIA-SMI has failed' >&2; exit 9")
			},
			check: func(t *testing.T, err error) {
				var exitErr *ExitError
				require.True(t, errors.As(err, &exitErr), "got %v", err)
				assert.Equal(t, 9, exitErr.Code)
				assert.Equal(t, "NVIDIA-SMI has failed", exitErr.Stderr)
			},
		},
		{
			name: "other failure",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return nil, errors.New("permission denied")
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "permission denied")
				assert.Contains(t, err.Error(), "error while executing nvidia-smi")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNvidiaSMI(tt.timeout)
			n.run = tt.run
			_, err := n.ListDevices(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestQuery_PassesArgs(t *testing.T) {
	var gotName string
	var gotArgs []string
	n := NewNvidiaSMI(time.Second)
	n.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte(processesCSV), nil
	}
	procs, err := n.ListProcesses(context.Background())
	require.NoError(t, err)
	assert.Len(t, procs["GPU-bbbb"], 2)
	assert.Equal(t, "nvidia-smi", gotName)
	assert.True(t, strings.HasPrefix(gotArgs[0], "--query-compute-apps="))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
}
