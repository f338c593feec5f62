// Package detector runs the local fusebox detector as a child process and
// turns its stdout into stored defect records.
package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"DEFECT_MONITOR/go-backend/internal/apperr"
	"DEFECT_MONITOR/go-backend/internal/models"
	"DEFECT_MONITOR/go-backend/internal/services"

	"github.com/oklog/ulid/v2"
)

type State string

const (
	StateIdle       State = "idle"
	StateLaunching  State = "launching"
	StateStreaming  State = "streaming"
	StateTerminated State = "terminated"
)

var (
	ErrAlreadyRunning = errors.New("detection already running")
	ErrNotRunning     = errors.New("detection not running")
	ErrClosed         = errors.New("detector launcher closed")
)

const maxLineSize = 1024 * 1024

type Repository interface {
	Insert(ctx context.Context, rec *models.DefectRecord) error
}

type ImageUploader interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}

type Config struct {
	Script      string
	Interpreter string
	Bucket      string

	// AnnotatedWait bounds how long a defective event waits for the
	// annotated image, which the detector writes after printing the line.
	AnnotatedWait time.Duration
	StopTimeout   time.Duration
}

type RunInfo struct {
	ID        string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type run struct {
	info     RunInfo
	dir      string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
	endedAt  time.Time
	exitCode *int
}

type Launcher struct {
	cfg      Config
	repo     Repository
	uploader ImageUploader
	sink     services.EventSink
	metrics  *services.Metrics

	mu     sync.Mutex
	state  State
	cur    *run
	closed bool
}

func NewLauncher(cfg Config, repo Repository, uploader ImageUploader, sink services.EventSink, metrics *services.Metrics) *Launcher {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.AnnotatedWait < 0 {
		cfg.AnnotatedWait = 0
	}
	if sink == nil {
		sink = services.NopSink{}
	}
	if metrics == nil {
		metrics = services.NewMetrics()
	}
	return &Launcher{
		cfg:      cfg,
		repo:     repo,
		uploader: uploader,
		sink:     sink,
		metrics:  metrics,
		state:    StateIdle,
	}
}

type preflightDetail struct {
	Script      string `json:"script"`
	Interpreter string `json:"interpreter"`
	BucketSet   bool   `json:"bucket_set"`
	Problem     string `json:"problem"`
}

// preflight resolves the script and interpreter and checks upload config.
func (l *Launcher) preflight() (script, interpreter string, err error) {
	detail := preflightDetail{BucketSet: l.cfg.Bucket != ""}

	script, absErr := filepath.Abs(l.cfg.Script)
	if absErr != nil {
		script = l.cfg.Script
	}
	detail.Script = script

	interpreter = l.cfg.Interpreter
	if strings.ContainsRune(interpreter, os.PathSeparator) {
		if abs, err := filepath.Abs(interpreter); err == nil {
			interpreter = abs
		}
	}
	detail.Interpreter = interpreter

	if l.cfg.Script == "" {
		detail.Problem = "detector script not configured"
		return "", "", apperr.Configuration("Detector script not found", detail)
	}
	if fi, err := os.Stat(script); err != nil || fi.IsDir() {
		detail.Problem = "detector script not found"
		return "", "", apperr.Configuration("Detector script not found", detail)
	}

	if _, err := os.Stat(interpreter); err != nil {
		resolved, lookErr := exec.LookPath(l.cfg.Interpreter)
		if l.cfg.Interpreter == "" || lookErr != nil {
			detail.Problem = "interpreter not found"
			return "", "", apperr.Configuration("Python interpreter not found", detail)
		}
		interpreter = resolved
	}

	if !detail.BucketSet {
		detail.Problem = "S3_BUCKET_NAME not set"
		return "", "", apperr.Configuration("S3 bucket is not configured", detail)
	}
	return script, interpreter, nil
}

// Start spawns the detector and returns once it is streaming. The run is
// detached from ctx's cancellation so it outlives the triggering request.
func (l *Launcher) Start(ctx context.Context) (*RunInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.state == StateLaunching || l.state == StateStreaming {
		return nil, ErrAlreadyRunning
	}

	script, interpreter, err := l.preflight()
	if err != nil {
		return nil, err
	}
	l.state = StateLaunching

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	dir := filepath.Dir(script)

	cmd := exec.CommandContext(runCtx, interpreter, script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.WaitDelay = l.cfg.StopTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		l.state = StateIdle
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		l.state = StateIdle
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		l.state = StateIdle
		return nil, fmt.Errorf("failed to start detector: %w", err)
	}

	r := &run{
		info: RunInfo{
			ID:        ulid.Make().String(),
			PID:       cmd.Process.Pid,
			StartedAt: time.Now().UTC(),
		},
		dir:    dir,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.cur = r
	l.state = StateStreaming
	l.metrics.IncrementDetectorRuns()

	slog.Info("detector process spawned",
		"run_id", r.info.ID,
		"pid", r.info.PID,
		"script", script,
		"interpreter", interpreter,
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		l.readEvents(runCtx, r, stdout)
	}()
	go func() {
		defer readers.Done()
		logStderr(r, stderr)
	}()
	go l.waitProcess(runCtx, r, &readers)

	info := r.info
	return &info, nil
}

func (l *Launcher) readEvents(ctx context.Context, r *run, stdout io.Reader) {
	err := eachLine(stdout, func(line string) {
		l.HandleLine(ctx, r.dir, line)
	}, func(size int) {
		slog.Warn("detector stdout line too long, skipped", "run_id", r.info.ID, "bytes", size)
	})
	if err != nil {
		slog.Error("detector stdout read failed", "run_id", r.info.ID, "error", err)
	}
}

// logStderr maps the detector's log markers onto slog levels.
func logStderr(r *run, stderr io.Reader) {
	eachLine(stderr, func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"), strings.Contains(line, "Traceback"):
			slog.Error("detector stderr", "run_id", r.info.ID, "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("detector stderr", "run_id", r.info.ID, "line", line)
		default:
			slog.Debug("detector stderr", "run_id", r.info.ID, "line", line)
		}
	}, func(size int) {
		slog.Warn("detector stderr line too long, skipped", "run_id", r.info.ID, "bytes", size)
	})
}

// eachLine calls fn for every line of rd until EOF. Lines longer than
// maxLineSize are consumed up to their newline and reported to skip
// instead, so reading carries on with the next line.
func eachLine(rd io.Reader, fn func(string), skip func(int)) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	var line []byte
	size := 0
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if size <= maxLineSize {
			line = append(line, chunk...)
		} else {
			line = line[:0]
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		switch {
		case size > maxLineSize:
			skip(size)
		case len(line) > 0:
			fn(strings.TrimRight(string(line), "\r\n"))
		}
		line = line[:0]
		size = 0

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (l *Launcher) waitProcess(ctx context.Context, r *run, readers *sync.WaitGroup) {
	readers.Wait()
	err := r.cmd.Wait()

	code := r.cmd.ProcessState.ExitCode()
	switch {
	case err == nil:
		slog.Info("detector process exited", "run_id", r.info.ID, "pid", r.info.PID, "exit_code", code)
	case ctx.Err() != nil:
		slog.Info("detector process stopped", "run_id", r.info.ID, "pid", r.info.PID, "exit_code", code)
	default:
		l.metrics.IncrementDetectorErrors()
		slog.Error("detector process failed", "run_id", r.info.ID, "pid", r.info.PID, "exit_code", code, "error", err)
	}

	l.mu.Lock()
	r.endedAt = time.Now().UTC()
	r.exitCode = &code
	if l.cur == r {
		l.state = StateTerminated
	}
	l.mu.Unlock()

	r.cancel()
	close(r.done)
}

// Stop terminates the running detector and waits for it to be reaped.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	r := l.cur
	if r == nil || l.state != StateStreaming {
		l.mu.Unlock()
		return ErrNotRunning
	}
	l.mu.Unlock()

	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-time.After(2 * l.cfg.StopTimeout):
		if r.cmd.Process != nil {
			r.cmd.Process.Kill()
		}
		return fmt.Errorf("detector pid %d did not exit in time", r.info.PID)
	}
}

// Close refuses further runs and stops the current one, if any.
func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if err := l.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Done is closed when the current run has been reaped; nil when nothing ran.
func (l *Launcher) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return nil
	}
	return l.cur.done
}

func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Launcher) Status() models.DetectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := models.DetectionStatus{State: string(l.state), Events: l.metrics.DetectorEvents()}
	if l.cur == nil {
		return st
	}
	started := l.cur.info.StartedAt
	st.RunID = l.cur.info.ID
	st.PID = l.cur.info.PID
	st.StartedAt = &started
	if !l.cur.endedAt.IsZero() {
		ended := l.cur.endedAt
		st.EndedAt = &ended
	}
	st.ExitCode = l.cur.exitCode
	return st
}
