package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"scopes/internal/logging"
	"scopes/internal/scope"
	"scopes/internal/scopesdir"
	"scopes/internal/variant"
)

var commandContext = exec.CommandContext

// maxOutputLine bounds one line of search command output.
const maxOutputLine = 1024 * 1024

// ActivationNotHandled is the activation status telling the caller to
// handle the result itself.
const ActivationNotHandled = "not_handled"

// ExecScope serves a scope from its description. A description with a
// command runs it once per search; each non-empty stdout line is one result
// of the form "uri", "uri<TAB>title", or "uri<TAB>title<TAB>art". Without a
// command the scope echoes the query back as a single result.
type ExecScope struct {
	desc   *scopesdir.Description
	logger *slog.Logger
}

// NewExecScope returns the scope described by desc.
func NewExecScope(desc *scopesdir.Description, logger *slog.Logger) *ExecScope {
	return &ExecScope{
		desc:   desc,
		logger: logging.NewComponentLogger(logger, "execscope"),
	}
}

func (s *ExecScope) Search(query string, hints scope.SearchMetadata) (scope.Query, error) {
	if len(s.desc.Command) == 0 {
		return scope.QueryFunc(func(ctx context.Context, reply scope.Reply) error {
			if err := s.pushCategory(reply); err != nil {
				return err
			}
			return reply.Push(scope.PushResult, variant.FromMap(s.result(query, query, "")))
		}), nil
	}
	return &commandQuery{scope: s, query: query, hints: hints}, nil
}

// Preview describes a result as a header widget plus an image widget when
// the result carries art.
func (s *ExecScope) Preview(result variant.Map, _ scope.SearchMetadata) (scope.Query, error) {
	uri, err := result.String("uri")
	if err != nil {
		return nil, err
	}
	title, _ := result.OptString("title")
	if title == "" {
		title = uri
	}
	widgets := []variant.Value{variant.FromMap(variant.Map{
		"id":    variant.String("header"),
		"type":  variant.String("header"),
		"title": variant.String(title),
	})}
	if art, ok := result.OptString("art"); ok && art != "" {
		widgets = append(widgets, variant.FromMap(variant.Map{
			"id":     variant.String("art"),
			"type":   variant.String("image"),
			"source": variant.String(art),
		}))
	}
	return scope.QueryFunc(func(ctx context.Context, reply scope.Reply) error {
		return reply.Push(scope.PushPreview, variant.FromSeq(widgets...))
	}), nil
}

// Activate leaves handling of the result to the caller.
func (s *ExecScope) Activate(result variant.Map, _ scope.SearchMetadata) (scope.Query, error) {
	if _, err := result.String("uri"); err != nil {
		return nil, err
	}
	response := variant.Map{
		"status": variant.String(ActivationNotHandled),
		"result": variant.FromMap(result.Clone()),
	}
	return scope.QueryFunc(func(ctx context.Context, reply scope.Reply) error {
		return reply.Push(scope.PushActivation, variant.FromMap(response))
	}), nil
}

func (s *ExecScope) pushCategory(reply scope.Reply) error {
	return reply.Push(scope.PushCategory, variant.FromMap(variant.Map{
		"id":    variant.String(s.desc.ScopeID),
		"title": variant.String(s.desc.DisplayName),
	}))
}

func (s *ExecScope) result(uri, title, art string) variant.Map {
	m := variant.Map{
		"uri":      variant.String(uri),
		"title":    variant.String(title),
		"category": variant.String(s.desc.ScopeID),
	}
	if art != "" {
		m["art"] = variant.String(art)
	}
	return m
}

// parseLine splits one line of command output into a result.
func (s *ExecScope) parseLine(line string) (variant.Map, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil, false
	}
	fields := strings.SplitN(line, "\t", 3)
	uri := strings.TrimSpace(fields[0])
	if uri == "" {
		return nil, false
	}
	title, art := uri, ""
	if len(fields) > 1 && strings.TrimSpace(fields[1]) != "" {
		title = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		art = strings.TrimSpace(fields[2])
	}
	return s.result(uri, title, art), true
}

// commandQuery runs the description's command for one search.
type commandQuery struct {
	scope *ExecScope
	query string
	hints scope.SearchMetadata
}

func (q *commandQuery) Run(ctx context.Context, reply scope.Reply) error {
	desc := q.scope.desc
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout := desc.Timeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	args := append(desc.Command[1:len(desc.Command):len(desc.Command)], q.query)
	cmd := commandContext(runCtx, desc.Command[0], args...) //nolint:gosec
	cmd.Dir = desc.Directory
	cmd.Env = append(os.Environ(),
		"SCOPES_SCOPE_ID="+desc.ScopeID,
		"SCOPES_LOCALE="+q.hints.Locale,
		"SCOPES_FORM_FACTOR="+q.hints.FormFactor,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	logger := logging.WithContext(ctx, q.scope.logger).With(logging.Int("pid", cmd.Process.Pid))
	logger.Debug("search command started", logging.String(logging.FieldQuery, q.query))

	var (
		pushed       int
		limitReached bool
		scanErr      error
	)
	pushErr := q.scope.pushCategory(reply)
	if pushErr == nil {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
		for scanner.Scan() {
			result, ok := q.scope.parseLine(scanner.Text())
			if !ok {
				continue
			}
			if pushErr = reply.Push(scope.PushResult, variant.FromMap(result)); pushErr != nil {
				break
			}
			pushed++
			if q.hints.Cardinality > 0 && pushed >= q.hints.Cardinality {
				limitReached = true
				break
			}
		}
		if !limitReached && pushErr == nil {
			scanErr = scanner.Err()
		}
	}
	// nothing drains stdout past this point
	if pushErr != nil || limitReached || scanErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()
	logger.Debug("search command exited", logging.Int("results", pushed), logging.Error(waitErr))

	switch {
	case pushErr != nil:
		return pushErr
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("search command timed out after %s", desc.Timeout())
	case scanErr != nil:
		return fmt.Errorf("read search command output: %w", scanErr)
	case limitReached:
		return nil
	case waitErr != nil:
		return commandError(waitErr, stderr.String())
	}
	return nil
}

// Cancelled has nothing to do; the run context kills the command.
func (q *commandQuery) Cancelled() {
	q.scope.logger.Debug("search cancelled", logging.String(logging.FieldQuery, q.query))
}

func commandError(err error, stderr string) error {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return fmt.Errorf("search command failed: %w: %s", err, last)
	}
	return fmt.Errorf("search command failed: %w", err)
}
