package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 10 * time.Second

var (
	queryDevicesArgs = []string{
		"--query-gpu=index,name,temperature.gpu,utilization.gpu,memory.used,memory.total,uuid",
		"--format=csv,noheader,nounits",
	}
	queryProcessesArgs = []string{
		"--query-compute-apps=gpu_uuid,pid,process_name,used_gpu_memory",
		"--format=csv,noheader,nounits",
	}
)

var (
	ErrToolNotFound = errors.New("nvidia-smi not found")
	ErrTimeout      = errors.New("nvidia-smi timed out")
)

// ExitError is returned when nvidia-smi exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return "nvidia-smi exited with code " + strconv.Itoa(e.Code) + ": " + e.Stderr
}

// runFunc executes a command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// NvidiaSMI queries GPUs through the nvidia-smi binary.
type NvidiaSMI struct {
	binary  string
	timeout time.Duration
	run     runFunc
}

func NewNvidiaSMI(timeout time.Duration) *NvidiaSMI {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NvidiaSMI{binary: "nvidia-smi", timeout: timeout, run: execRun}
}

func (n *NvidiaSMI) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := n.query(ctx, queryDevicesArgs)
	if err != nil {
		return nil, err
	}
	return parseDevices(out)
}

func (n *NvidiaSMI) ListProcesses(ctx context.Context) (map[string][]Process, error) {
	out, err := n.query(ctx, queryProcessesArgs)
	if err != nil {
		return nil, err
	}
	return parseProcesses(out)
}

func (n *NvidiaSMI) query(ctx context.Context, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	out, err := n.run(ctx, n.binary, args...)
	if err == nil {
		return out, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if execErr, ok := err.(*exec.Error); ok && errors.Is(execErr.Err, exec.ErrNotFound) {
		return nil, ErrToolNotFound
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: truncate(strings.TrimSpace(string(exitErr.Stderr)), 200)}
	}
	return nil, errors.Wrap(err, "error while executing nvidia-smi")
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitErr.Stderr = stderr.Bytes()
	}
	return out, err
}

func newCSVReader(out []byte) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(out))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r
}

func parseDevices(out []byte) ([]Device, error) {
	devices := make([]Device, 0)
	r := newCSVReader(out)
	for {
		record, err := r.Read()
		switch {
		case err == io.EOF:
			return devices, nil
		case err != nil:
			return nil, errors.Wrap(err, "error parsing output of nvidia-smi as CSV")
		case len(record) < 7:
			log.Warn().Strs("record", record).Msg("telemetry: skipping malformed GPU record")
			continue
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		index, err := strconv.Atoi(record[0])
		if err != nil {
			log.Warn().Strs("record", record).Msg("telemetry: skipping GPU record with non-numeric index")
			continue
		}
		devices = append(devices, Device{
			Index:          index,
			Name:           record[1],
			TemperatureC:   parseInt(record[2]),
			UtilizationPct: parseInt(record[3]),
			MemUsedMiB:     parseInt(record[4]),
			MemTotalMiB:    parseInt(record[5]),
			UUID:           record[6],
		})
	}
}

func parseProcesses(out []byte) (map[string][]Process, error) {
	procs := make(map[string][]Process)
	r := newCSVReader(out)
	for {
		record, err := r.Read()
		switch {
		case err == io.EOF:
			return procs, nil
		case err != nil:
			return nil, errors.Wrap(err, "error parsing output of nvidia-smi as CSV")
		case len(record) < 4:
			continue
		}
		uuid := strings.TrimSpace(record[0])
		procs[uuid] = append(procs[uuid], Process{
			PID:    strings.TrimSpace(record[1]),
			Name:   strings.TrimSpace(record[2]),
			MemMiB: parseInt(strings.TrimSpace(record[3])),
		})
	}
}

// parseInt returns -1 for values nvidia-smi reports as unavailable ("[N/A]").
func parseInt(s string) int {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
