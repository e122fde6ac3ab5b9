// Package capture supervises the external ffmpeg subprocess that turns a
// set of RTP inputs into per-participant audio files (and an optional
// mixed track), grounded on the capture-subprocess lifecycle shape of a
// webinar-backend recorder service: merged stdout/stderr pipe, a pumped
// log ring, and a graceful-then-kill stop sequence.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"github.com/jitsi-tools/meet-recorder/internal/model"
)

// ringSize bounds the captured log tail (spec §4.C).
const ringSize = 50

const logCategory = logx.CategoryCapture

// GracefulTimeout is how long Stop waits for the subprocess to exit after
// a terminate signal before sending kill.
const GracefulTimeout = 10 * time.Second

// logPumpJoinTimeout bounds how long Stop waits for the log-pump goroutine
// to finish draining the subprocess's combined output pipe.
const logPumpJoinTimeout = 2 * time.Second

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
)

// Job owns one ffmpeg subprocess: its command vector, working directory,
// rolling log tail, and the pump goroutine draining its output.
type Job struct {
	binary string
	args   []string
	dir    string
	logger *logx.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   bool
	exitCode int
	ring     []string
	pumpDone chan struct{}
}

// NewJob builds a Job that will run binary with args inside dir.
func NewJob(binary string, args []string, dir string, logger *logx.Logger) *Job {
	return &Job{binary: binary, args: args, dir: dir, logger: logger}
}

// Start ensures the working directory exists, spawns the subprocess with
// merged stdout/stderr, and begins pumping its output into the ring.
func (j *Job) Start(ctx context.Context) error {
	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("capture: ensure output dir %s: %w", j.dir, err)
	}

	cmd := exec.CommandContext(ctx, j.binary, j.args...)
	cmd.Dir = j.dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("capture: start %s: %w", j.binary, err)
	}

	j.mu.Lock()
	j.cmd = cmd
	j.pumpDone = make(chan struct{})
	j.mu.Unlock()

	go j.pump(stdout)

	j.logger.Debugc(logCategory, "capture: job started", "binary", j.binary, "dir", j.dir, "pid", cmd.Process.Pid)
	return nil
}

func (j *Job) pump(r io.Reader) {
	defer close(j.pumpDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		j.mu.Lock()
		j.ring = append(j.ring, line)
		if len(j.ring) > ringSize {
			j.ring = j.ring[len(j.ring)-ringSize:]
		}
		j.mu.Unlock()
	}
}

// Stop sends a terminate signal, waits up to GracefulTimeout for exit, then
// kills; it joins the log pump within logPumpJoinTimeout.
func (j *Job) Stop() {
	j.mu.Lock()
	cmd := j.cmd
	pumpDone := j.pumpDone
	j.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(os.Interrupt)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitDone:
	case <-time.After(GracefulTimeout):
		j.logger.Debugc(logCategory, "capture: graceful stop timed out, killing", "binary", j.binary)
		_ = cmd.Process.Kill()
		err = <-waitDone
	}

	j.mu.Lock()
	j.exited = true
	j.exitCode = exitCodeOf(err)
	j.mu.Unlock()

	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-time.After(logPumpJoinTimeout):
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Status reports the job's current lifecycle state.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.cmd == nil:
		return string(StatusNotStarted)
	case !j.exited:
		return string(StatusRunning)
	default:
		return fmt.Sprintf("exited:%d", j.exitCode)
	}
}

// Tail returns a snapshot of the ring buffer's current contents.
func (j *Job) Tail() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.ring))
	copy(out, j.ring)
	return out
}

// TailString joins Tail with newlines, for embedding into a manifest.
func (j *Job) TailString() string {
	return strings.Join(j.Tail(), "\n")
}

// CaptureInput is one participant's contribution to the command vector
// (spec §4.C): an RTP source URL and the audio filename it should be
// written to.
type CaptureInput struct {
	RTPURL        string
	AudioFilename string
}

// BuildCommand constructs the ffmpeg argument vector for a set of inputs
// and an output directory, per spec §4.C: base flags, one -i per input with
// its mapping to a dedicated output file, and an optional amix sink when
// mix is requested.
func BuildCommand(inputs []CaptureInput, outDir string, mix bool) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "info"}

	for _, in := range inputs {
		args = append(args,
			"-protocol_whitelist", "file,udp,rtp,crypto",
			"-use_wallclock_as_timestamps", "1",
			"-fflags", "+igndts+genpts",
			"-i", in.RTPURL,
		)
	}

	for i, in := range inputs {
		args = append(args,
			"-map", fmt.Sprintf("%d:a", i),
			"-c:a", "copy",
			fmt.Sprintf("%s/%s", outDir, in.AudioFilename),
		)
	}

	if mix && len(inputs) > 0 {
		var labels []string
		for i := range inputs {
			labels = append(labels, fmt.Sprintf("[%d:a]anull[a%d]", i, i))
		}
		inputsJoined := ""
		for i := range inputs {
			inputsJoined += fmt.Sprintf("[a%d]", i)
		}
		filter := strings.Join(labels, ";") + ";" + inputsJoined + fmt.Sprintf("amix=inputs=%d[mixout]", len(inputs))

		args = append(args,
			"-filter_complex", filter,
			"-map", "[mixout]",
			"-c:a", "aac",
			fmt.Sprintf("%s/mix.m4a", outDir),
		)
	}

	return args
}

// InputsFromParticipants adapts tracker-resolved participants (component E's
// get_participants_with_forwarders shape) into CaptureInputs.
func InputsFromParticipants(participants []ParticipantInput) []CaptureInput {
	inputs := make([]CaptureInput, 0, len(participants))
	for _, p := range participants {
		inputs = append(inputs, CaptureInput{
			RTPURL:        p.RTPURL,
			AudioFilename: model.AudioFilename(p.DisplayName, p.ID),
		})
	}
	return inputs
}

// ParticipantInput is the subset of a resolved participant the capture
// supervisor needs to build its command vector.
type ParticipantInput struct {
	ID          string
	DisplayName string
	RTPURL      string
}
