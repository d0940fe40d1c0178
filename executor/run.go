package executor

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulrobinshaw/rch-xcode/errkind"
)

// runProcess starts proc, streams both its output pipes into
// buildLog and onLine (and, for the structured backend, into the
// event counter), and honors cancel: once set, it sends a graceful
// Terminate, waits up to the configured grace period, then Kills
// (spec.md §4.J step 6). It returns the native tool's exit code and
// whether it was signaled; spawnErr is non-nil only for executor-side
// failures (pipe/start), never for the build tool's own non-zero exit.
func (e *Executor) runProcess(
	ctx context.Context,
	proc Process,
	buildLog *os.File,
	onLine func(string),
	cancel *atomic.Bool,
	source EventSource,
	counts *eventCounts,
	evlog *eventLog,
) (exitCode int, signaled bool, spawnErr error) {
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return -1, false, errkind.Wrap(errkind.Executor, err, "open stdout pipe")
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return -1, false, errkind.Wrap(errkind.Executor, err, "open stderr pipe")
	}
	if err := proc.Start(); err != nil {
		return -1, false, errkind.Wrap(errkind.Executor, err, "spawn native build tool")
	}

	var wg sync.WaitGroup
	var logMu sync.Mutex
	wg.Add(2)
	go e.streamOutput(&wg, &logMu, stdout, "", buildLog, onLine, source, counts, evlog)
	go e.streamOutput(&wg, &logMu, stderr, "[stderr] ", buildLog, onLine, source, counts, evlog)

	streamsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(streamsDone)
	}()

	cancelWatchDone := make(chan struct{})
	go func() {
		defer close(cancelWatchDone)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-streamsDone:
				return
			case <-ticker.C:
				if !cancel.Load() {
					continue
				}
				proc.Terminate()
				select {
				case <-streamsDone:
				case <-time.After(e.cfg.TerminationGrace):
					proc.Kill()
					<-streamsDone
				}
				return
			}
		}
	}()

	// The wait error (typically *exec.ExitError for a non-zero exit) is
	// expected and carried via ProcessState/ExitCode instead, not as a
	// Go error.
	_ = proc.Wait()
	<-streamsDone
	<-cancelWatchDone

	return proc.ExitCode(), proc.Signaled(), nil
}

func (e *Executor) streamOutput(
	wg *sync.WaitGroup,
	logMu *sync.Mutex,
	r io.Reader,
	prefix string,
	buildLog *os.File,
	onLine func(string),
	source EventSource,
	counts *eventCounts,
	evlog *eventLog,
) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		raw := scanner.Text()
		line := prefix + raw
		onLine(line)

		logMu.Lock()
		buildLog.WriteString(line + "\n")
		logMu.Unlock()

		if source == nil {
			continue
		}
		if ev, ok := source.Parse(raw); ok {
			counts.observe(ev)
			evlog.record("execution", string(ev.Kind), ev)
		}
	}
}
