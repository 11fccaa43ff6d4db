package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cwygoda/distillery/internal/domain"
)

// CommandExecutor runs an external program for one pipeline stage.
//
// Arguments may contain the placeholders {url}, {job_id}, {video_id},
// {workdir} and {prev}; {prev} is the previous stage's payload when it is
// a string. Every output line is forwarded to the job log, and the last
// non-empty line becomes the stage payload.
type CommandExecutor struct {
	stage   domain.JobStatus
	command string
	args    []string
}

// NewCommandExecutor creates an executor for stage.
func NewCommandExecutor(stage domain.JobStatus, command string, args []string) (*CommandExecutor, error) {
	if command == "" {
		return nil, fmt.Errorf("stage %s: empty command", stage.Stage())
	}
	return &CommandExecutor{
		stage:   stage,
		command: command,
		args:    args,
	}, nil
}

// Command returns the program the executor runs.
func (e *CommandExecutor) Command() string {
	return e.command
}

func (e *CommandExecutor) Execute(ctx context.Context, jc *domain.JobContext) (domain.StageOutput, error) {
	dir := jc.WorkDir
	if dir == "" {
		tempDir, err := os.MkdirTemp("", fmt.Sprintf("distillery-job-%s-*", jc.Job.ID))
		if err != nil {
			return domain.StageOutput{}, fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tempDir)
		dir = tempDir
	}

	args := e.expand(jc, dir)
	out := &lineWriter{emit: func(line string) { logLine(jc, domain.LevelDebug, line) }}

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	out.flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.StageOutput{}, ctxErr
	}
	if err != nil {
		msg := fmt.Sprintf("%s failed", e.command)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg = fmt.Sprintf("%s exited with status %d", e.command, exitErr.ExitCode())
		}
		if out.last != "" {
			msg += ": " + out.last
		}
		return domain.StageOutput{}, domain.NewStageError(e.stage, msg, err)
	}

	return domain.StageOutput{
		Payload: out.last,
		Detail:  fmt.Sprintf("%s finished (%d lines of output)", e.command, out.lines),
	}, nil
}

func (e *CommandExecutor) expand(jc *domain.JobContext, dir string) []string {
	prev, _ := jc.Previous.(string)
	r := strings.NewReplacer(
		"{url}", jc.Job.URL,
		"{job_id}", jc.Job.ID,
		"{video_id}", jc.Job.VideoID(),
		"{workdir}", dir,
		"{prev}", prev,
	)
	args := make([]string, len(e.args))
	for i, arg := range e.args {
		args[i] = r.Replace(arg)
	}
	return args
}

func logLine(jc *domain.JobContext, level domain.LogLevel, line string) {
	if jc.Log != nil {
		jc.Log(level, line)
	}
}

// lineWriter splits process output into lines.
type lineWriter struct {
	emit  func(string)
	buf   bytes.Buffer
	last  string
	lines int
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := string(w.buf.Next(i + 1))
		w.line(line)
	}
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.line(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) line(s string) {
	s = strings.TrimRight(s, "\r\n")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.lines++
	w.last = strings.TrimSpace(s)
	w.emit(s)
}
