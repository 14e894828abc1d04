package acme

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/config"
	"github.com/edvin/lazyacme/internal/model"
)

const (
	tosPrompt = "Do you accept the TOS? Y/n"
	// maxRetainedOutput bounds the client output kept for classification.
	maxRetainedOutput = 64 << 10
	waitDelay         = 10 * time.Second
)

var placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// CommandExecutor runs the command template of a domain's DNS provider file
// through sh and reads the resulting certificate from the lego state
// directory.
type CommandExecutor struct {
	dataDir string
	legoDir string
	timeout time.Duration
	logger  zerolog.Logger
	shell   string
}

func NewCommandExecutor(dataDir, legoDir string, timeout time.Duration, logger zerolog.Logger) *CommandExecutor {
	return &CommandExecutor{
		dataDir: dataDir,
		legoDir: legoDir,
		timeout: timeout,
		logger:  logger.With().Str("component", "command-executor").Logger(),
		shell:   "sh",
	}
}

// Render substitutes {{DOMAIN}} and provider variables into tmpl. Placeholder
// names are case-insensitive; unknown placeholders are left untouched.
func Render(tmpl, domain string, vars map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := strings.ToLower(placeholderRegex.FindStringSubmatch(m)[1])
		if key == "domain" {
			return domain
		}
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

func (e *CommandExecutor) render(entry model.DomainEntry) (string, error) {
	provider, err := config.LoadProvider(e.dataDir, entry.DNSProvider)
	if err != nil {
		return "", err
	}
	command := Render(provider.Command, entry.Name, provider.Vars)
	if m := placeholderRegex.FindString(command); m != "" {
		return "", fmt.Errorf("%w: provider %s: unresolved placeholder %s", model.ErrConfigInvalid, entry.DNSProvider, m)
	}
	return command, nil
}

// Validate checks that the provider file exists and its template resolves.
func (e *CommandExecutor) Validate(entry model.DomainEntry) error {
	_, err := e.render(entry)
	return err
}

func (e *CommandExecutor) Execute(ctx context.Context, entry model.DomainEntry) (*Issued, error) {
	command, err := e.render(entry)
	if err != nil {
		return nil, newError(model.ErrorConfigInvalid, err, "%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger := e.logger.With().Str("domain", entry.Name).Str("provider", entry.DNSProvider).Logger()

	cmd := exec.CommandContext(ctx, e.shell, "-c", command)
	cmd.Dir = e.dataDir
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newError(model.ErrorUnknown, err, "open client stdin: %v", err)
	}
	out := newOutputSink(stdin, logger)
	cmd.Stdout = out
	cmd.Stderr = out

	logger.Debug().Msg("starting acme client")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, newError(model.ErrorConfigInvalid, err, "start acme client: %v", err)
	}
	runErr := cmd.Wait()
	logger.Debug().Dur("duration", time.Since(start)).Msg("acme client exited")

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, newError(model.ErrorTransient, ctxErr, "acme client timed out after %s", e.timeout)
		}
		return nil, newError(model.ErrorTransient, ctxErr, "acme client interrupted")
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, newError(model.ErrorUnknown, runErr, "wait for acme client: %v", runErr)
		}
		code := exitErr.ExitCode()
		c := Classify(out.String(), code)
		logger.Warn().Int("exit_code", code).Str("kind", string(c.Kind)).Str("output", out.Tail(2048)).Msg("acme client failed")
		if c.Match != "" {
			return nil, newError(c.Kind, runErr, "acme client exited with code %d (%s)", code, c.Match)
		}
		return nil, newError(c.Kind, runErr, "acme client exited with code %d", code)
	}

	chain, key, modTime, err := e.readArtifacts(entry.Name)
	if err != nil {
		return nil, newError(model.ErrorUnknown, err, "client reported success but produced no certificate: %v", err)
	}
	// Filesystems with coarse timestamps may round the mtime down.
	if modTime.Before(start.Truncate(time.Second)) {
		return nil, newError(model.ErrorUnknown, nil, "client reported success but no certificate was written during this run (last written %s)", modTime.UTC().Format(time.RFC3339))
	}
	return finalize(entry.Name, chain, key, time.Now())
}

// readArtifacts loads the certificate lego wrote for domain, preferring the
// wildcard files. The returned time is the certificate file's mtime.
func (e *CommandExecutor) readArtifacts(domain string) ([]byte, []byte, time.Time, error) {
	dir := filepath.Join(e.legoDir, "certificates")
	for _, base := range []string{"_." + domain, domain} {
		crtPath := filepath.Join(dir, base+".crt")
		info, err := os.Stat(crtPath)
		if err != nil {
			continue
		}
		chain, err := os.ReadFile(crtPath)
		if err != nil {
			continue
		}
		key, err := os.ReadFile(filepath.Join(dir, base+".key"))
		if err != nil {
			continue
		}
		return chain, key, info.ModTime(), nil
	}
	return nil, nil, time.Time{}, fmt.Errorf("no certificate for %s in %s", domain, dir)
}

// outputSink retains the trailing maxRetainedOutput bytes of the client
// output, streams complete lines to the debug log and answers the lego terms
// of service prompt.
type outputSink struct {
	mu       sync.Mutex
	buf      []byte
	line     bytes.Buffer
	stdin    io.WriteCloser
	answered bool
	logger   zerolog.Logger
}

func newOutputSink(stdin io.WriteCloser, logger zerolog.Logger) *outputSink {
	return &outputSink{stdin: stdin, logger: logger}
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) >= maxRetainedOutput {
		s.buf = append(s.buf[:0], p[len(p)-maxRetainedOutput:]...)
	} else {
		if over := len(s.buf) + len(p) - maxRetainedOutput; over > 0 {
			s.buf = s.buf[:copy(s.buf, s.buf[over:])]
		}
		s.buf = append(s.buf, p...)
	}

	for _, b := range p {
		if b == '\n' {
			s.answerPrompt()
			s.logger.Debug().Str("line", strings.TrimRight(s.line.String(), "\r")).Msg("acme client output")
			s.line.Reset()
			continue
		}
		if s.line.Len() < 4096 {
			s.line.WriteByte(b)
		}
	}

	s.answerPrompt()
	return len(p), nil
}

// answerPrompt must be called with s.mu held.
func (s *outputSink) answerPrompt() {
	if s.answered || !strings.Contains(s.line.String(), tosPrompt) {
		return
	}
	s.answered = true
	s.logger.Debug().Msg("accepting terms of service")
	if _, err := io.WriteString(s.stdin, "y\n"); err != nil {
		s.logger.Warn().Err(err).Msg("failed to answer terms of service prompt")
	}
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Tail returns at most n trailing bytes of the retained output.
func (s *outputSink) Tail(n int) string {
	out := s.String()
	if len(out) > n {
		return out[len(out)-n:]
	}
	return out
}
