// Package executor runs batch jobs as sandboxed child processes. Each
// batch gets its own sandbox directory with named volumes; input files are
// written before the process starts, output files are read only after a
// terminal status. Batches are independent: a per-batch failure never
// affects other batches or the service.
package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracdap/gateway/internal/config"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
)

// Per-batch error kinds, client-visible to the orchestrator worker.
var (
	// ErrValidation covers bad volume names, unknown volumes and other
	// malformed requests.
	ErrValidation = errors.New("executor validation error")

	// ErrSequence covers operations out of lifecycle order, like writing a
	// file after the process started.
	ErrSequence = errors.New("executor sequence error")

	// ErrAccess covers filesystem failures inside the sandbox.
	ErrAccess = errors.New("executor access error")
)

// BatchStatus is the lifecycle state reported by PollBatch.
type BatchStatus string

const (
	StatusPending   BatchStatus = "PENDING"
	StatusRunning   BatchStatus = "RUNNING"
	StatusSucceeded BatchStatus = "SUCCEEDED"
	StatusFailed    BatchStatus = "FAILED"
	StatusUnknown   BatchStatus = "UNKNOWN"
)

// VolumeType is recorded for auditing; all types behave identically.
type VolumeType string

const (
	VolumeConfig VolumeType = "CONFIG"
	VolumeResult VolumeType = "RESULT"
	VolumeLog    VolumeType = "LOG"
)

const (
	logVolume      = "log"
	stdoutFile     = "trac_rt_stdout.txt"
	stderrFile     = "trac_rt_stderr.txt"
	defaultTailCap = 4096
)

// BatchState carries one batch through its lifecycle. The process handle
// and completion channel are process-local and never persisted.
type BatchState struct {
	JobKey     string
	SandboxDir string
	Volumes    map[string]VolumeType
	Pid        int

	started bool
	cmd     *exec.Cmd
	done    chan struct{}

	mu        sync.Mutex
	exitCode  int
	exitKnown bool
	waitErr   error
}

// BatchInfo is the result of polling a batch.
type BatchInfo struct {
	Status        BatchStatus
	ExitCode      int
	StatusMessage string
	StderrTail    string
}

// Arg is one launch argument, either a literal or a path resolved inside a
// named volume.
type Arg struct {
	literal string
	volume  string
	file    string
}

// LiteralArg passes the string through unchanged.
func LiteralArg(value string) Arg { return Arg{literal: value} }

// PathArg resolves to <sandbox>/<volume>/<file> at start time.
func PathArg(volume, file string) Arg { return Arg{volume: volume, file: file} }

var (
	volumePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]*$`)
	jobKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)
)

// LocalExecutor runs batches on the local host.
type LocalExecutor struct {
	batchRoot  string
	venvPath   string
	inheritEnv []string
	persist    bool
	tailCap    int
}

// NewLocalExecutor validates the configuration and prepares the batch root.
// Configuration failures here are fatal to service start.
func NewLocalExecutor(cfg config.ExecutorConfig) (*LocalExecutor, error) {
	root := cfg.BatchRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("batch root %s is not usable: %w", root, err)
	}

	if cfg.VenvPath != "" {
		info, err := os.Stat(cfg.VenvPath)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("venv path %s does not exist or is not a directory", cfg.VenvPath)
		}
	}

	tailCap := cfg.StderrTailBytes
	if tailCap <= 0 {
		tailCap = defaultTailCap
	}

	return &LocalExecutor{
		batchRoot:  root,
		venvPath:   cfg.VenvPath,
		inheritEnv: cfg.InheritEnv,
		persist:    cfg.PersistSandbox,
		tailCap:    tailCap,
	}, nil
}

// CreateBatch creates an empty sandbox directory for the job.
func (e *LocalExecutor) CreateBatch(jobKey string) (*BatchState, error) {
	if jobKey == "" || !jobKeyPattern.MatchString(jobKey) {
		return nil, fmt.Errorf("%w: job key %q is not a valid identifier", ErrValidation, jobKey)
	}

	suffix := uuid.NewString()[:8]
	sandbox := filepath.Join(e.batchRoot, fmt.Sprintf("tracdap_%s_%s", jobKey, suffix))

	if err := os.Mkdir(sandbox, 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create sandbox: %v", ErrAccess, err)
	}

	if err := checkOwnership(sandbox); err != nil {
		os.Remove(sandbox)
		return nil, err
	}

	logging.Info("batch sandbox created",
		zap.String("jobKey", jobKey), zap.String("sandbox", sandbox))

	return &BatchState{
		JobKey:     jobKey,
		SandboxDir: sandbox,
		Volumes:    make(map[string]VolumeType),
	}, nil
}

// CreateVolume creates a named volume directory under the sandbox.
func (e *LocalExecutor) CreateVolume(state *BatchState, name string, vtype VolumeType) error {
	if state.started {
		return fmt.Errorf("%w: cannot create volume %q after the batch has started", ErrSequence, name)
	}
	if !volumePattern.MatchString(name) {
		return fmt.Errorf("%w: volume name %q is not a valid identifier", ErrValidation, name)
	}
	if strings.HasPrefix(name, "trac_") || name == logVolume {
		return fmt.Errorf("%w: volume name %q is reserved", ErrValidation, name)
	}
	if _, exists := state.Volumes[name]; exists {
		return fmt.Errorf("%w: volume %q already exists", ErrValidation, name)
	}

	if err := os.Mkdir(filepath.Join(state.SandboxDir, name), 0o700); err != nil {
		return fmt.Errorf("%w: failed to create volume %q: %v", ErrAccess, name, err)
	}

	state.Volumes[name] = vtype
	return nil
}

// WriteFile writes an input file into a volume. Only legal before start;
// existing files are never overwritten.
func (e *LocalExecutor) WriteFile(state *BatchState, volume, filename string, data []byte) error {
	if state.started {
		return fmt.Errorf("%w: cannot write %s/%s after the batch has started", ErrSequence, volume, filename)
	}
	path, err := state.resolvePath(volume, filename)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: file %s/%s already exists", ErrValidation, volume, filename)
		}
		return fmt.Errorf("%w: failed to write %s/%s: %v", ErrAccess, volume, filename, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: failed to write %s/%s: %v", ErrAccess, volume, filename, err)
	}
	return nil
}

// StartBatch launches the child process with stdout/stderr captured under
// the sandbox log directory.
func (e *LocalExecutor) StartBatch(state *BatchState, launchCmd string, args []Arg) error {
	if state.started {
		return fmt.Errorf("%w: batch already started", ErrSequence)
	}

	resolved := make([]string, 0, len(args))
	for _, arg := range args {
		if arg.volume == "" {
			resolved = append(resolved, arg.literal)
			continue
		}
		path, err := state.resolvePath(arg.volume, arg.file)
		if err != nil {
			return err
		}
		resolved = append(resolved, path)
	}

	logDir := filepath.Join(state.SandboxDir, logVolume)
	if err := os.Mkdir(logDir, 0o700); err != nil {
		return fmt.Errorf("%w: failed to create log directory: %v", ErrAccess, err)
	}

	stdout, err := os.Create(filepath.Join(logDir, stdoutFile))
	if err != nil {
		return fmt.Errorf("%w: failed to open stdout log: %v", ErrAccess, err)
	}
	stderr, err := os.Create(filepath.Join(logDir, stderrFile))
	if err != nil {
		stdout.Close()
		return fmt.Errorf("%w: failed to open stderr log: %v", ErrAccess, err)
	}

	cmd := exec.Command(launchCmd, resolved...)
	cmd.Dir = state.SandboxDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = e.batchEnv(state)

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("%w: failed to start batch process: %v", ErrAccess, err)
	}

	// The child holds its own descriptors now.
	stdout.Close()
	stderr.Close()

	state.started = true
	state.cmd = cmd
	state.Pid = cmd.Process.Pid
	state.done = make(chan struct{})

	metrics.BatchesStarted.Inc()
	logging.Info("batch started",
		zap.String("jobKey", state.JobKey), zap.Int("pid", state.Pid))

	go func() {
		err := cmd.Wait()
		state.mu.Lock()
		state.waitErr = err
		if cmd.ProcessState != nil {
			state.exitCode = cmd.ProcessState.ExitCode()
			state.exitKnown = true
		}
		state.mu.Unlock()
		close(state.done)
	}()

	return nil
}

// PollBatch reports the batch status without blocking. A batch that has
// been created but not started is PENDING.
func (e *LocalExecutor) PollBatch(state *BatchState) (BatchInfo, error) {
	if !state.started {
		return BatchInfo{Status: StatusPending}, nil
	}

	select {
	case <-state.done:
	default:
		return BatchInfo{Status: StatusRunning}, nil
	}

	state.mu.Lock()
	exitCode := state.exitCode
	exitKnown := state.exitKnown
	waitErr := state.waitErr
	state.mu.Unlock()

	if !exitKnown {
		// Wait never observed the process state, so the outcome is lost.
		msg := "batch process state could not be determined"
		if waitErr != nil {
			msg = waitErr.Error()
		}
		metrics.BatchesCompleted.WithLabelValues(string(StatusUnknown)).Inc()
		return BatchInfo{Status: StatusUnknown, ExitCode: -1, StatusMessage: msg}, nil
	}

	if exitCode == 0 {
		metrics.BatchesCompleted.WithLabelValues(string(StatusSucceeded)).Inc()
		return BatchInfo{Status: StatusSucceeded}, nil
	}

	tail := e.readStderrTail(state)
	info := BatchInfo{
		Status:        StatusFailed,
		ExitCode:      exitCode,
		StatusMessage: extractErrorLine(tail),
		StderrTail:    tail,
	}
	metrics.BatchesCompleted.WithLabelValues(string(StatusFailed)).Inc()
	return info, nil
}

// ReadFile reads an output file. Only legal after the batch reached a
// terminal status, so callers never observe partial writes.
func (e *LocalExecutor) ReadFile(state *BatchState, volume, filename string) ([]byte, error) {
	if !state.started {
		return nil, fmt.Errorf("%w: batch has not been started, no output to read", ErrSequence)
	}
	select {
	case <-state.done:
	default:
		return nil, fmt.Errorf("%w: batch is still in progress, outputs are not available yet", ErrSequence)
	}

	path, err := state.resolvePath(volume, filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: output file %s/%s was not produced by the batch", ErrValidation, volume, filename)
		}
		return nil, fmt.Errorf("%w: failed to read %s/%s: %v", ErrAccess, volume, filename, err)
	}
	return data, nil
}

// DestroyBatch force-kills a running process and removes the sandbox.
func (e *LocalExecutor) DestroyBatch(state *BatchState) error {
	if state.started {
		select {
		case <-state.done:
		default:
			if state.cmd != nil && state.cmd.Process != nil {
				state.cmd.Process.Kill()
			}
			<-state.done
		}
	}

	if e.persist {
		logging.Info("sandbox persisted for inspection",
			zap.String("jobKey", state.JobKey), zap.String("sandbox", state.SandboxDir))
		return nil
	}

	if err := os.RemoveAll(state.SandboxDir); err != nil {
		return fmt.Errorf("%w: failed to remove sandbox: %v", ErrAccess, err)
	}
	return nil
}

func (state *BatchState) resolvePath(volume, filename string) (string, error) {
	if _, ok := state.Volumes[volume]; !ok {
		return "", fmt.Errorf("%w: volume %q does not exist", ErrValidation, volume)
	}
	if filename == "" || filename != filepath.Base(filename) {
		return "", fmt.Errorf("%w: file name %q is not valid", ErrValidation, filename)
	}
	return filepath.Join(state.SandboxDir, volume, filename), nil
}

// batchEnv builds the child environment from the configured inherited set.
func (e *LocalExecutor) batchEnv(state *BatchState) []string {
	env := []string{
		"TRAC_BATCH_JOB_KEY=" + state.JobKey,
		"TRAC_BATCH_SANDBOX=" + state.SandboxDir,
	}
	if e.venvPath != "" {
		env = append(env, "VIRTUAL_ENV="+e.venvPath)
	}
	for _, name := range e.inheritEnv {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

func (e *LocalExecutor) readStderrTail(state *BatchState) string {
	path := filepath.Join(state.SandboxDir, logVolume, stderrFile)
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	offset := info.Size() - int64(e.tailCap)
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return ""
	}
	return string(buf)
}

var errorLinePattern = regexp.MustCompile(`(?im)^.*(?:error|exception).*$`)

// extractErrorLine pulls a short message from the stderr tail: the last
// line that looks like an error, falling back to the last non-empty line.
func extractErrorLine(tail string) string {
	matches := errorLinePattern.FindAllString(tail, -1)
	if len(matches) > 0 {
		return strings.TrimSpace(matches[len(matches)-1])
	}

	lines := strings.Split(strings.TrimSpace(tail), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return ""
}

// checkOwnership verifies the sandbox belongs to the running process user,
// repairing permissions when possible.
func checkOwnership(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: cannot stat sandbox: %v", ErrAccess, err)
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if int(stat.Uid) != os.Getuid() {
			return fmt.Errorf("%w: sandbox %s is not owned by the current user", ErrAccess, path)
		}
	}

	if info.Mode().Perm() != 0o700 {
		if err := os.Chmod(path, 0o700); err != nil {
			return fmt.Errorf("%w: cannot repair sandbox permissions: %v", ErrAccess, err)
		}
	}
	return nil
}
