package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/sharegate/internal/protocol"
)

const (
	terminationGracePeriod = 5 * time.Second
	maxStderrBytes         = 64 * 1024
	defaultExecTimeout     = 2 * time.Minute
)

// ExecPlugin runs an external executable per call and talks JSON over
// stdin/stdout.
type ExecPlugin struct {
	name       string
	Version    string
	Path       string
	Entrypoint string
	manifest   Manifest
	timeout    time.Duration
	logger     *slog.Logger
}

func newExecPlugin(m Manifest, pluginPath, entrypoint string) *ExecPlugin {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &ExecPlugin{
		name:       m.Name,
		Version:    m.Version,
		Path:       pluginPath,
		Entrypoint: entrypoint,
		manifest:   m,
		timeout:    timeout,
		logger:     slog.Default().With("component", "plugin", "plugin", m.Name),
	}
}

func (p *ExecPlugin) execPlugin() *ExecPlugin { return p }

func (p *ExecPlugin) Name() string { return p.name }

func (p *ExecPlugin) Capabilities() []Capability {
	out := make([]Capability, 0, len(p.manifest.DataTypes))
	for _, dt := range p.manifest.DataTypes {
		out = append(out, Capability{Handler: p.manifest.Handler, DataType: dt})
	}
	return out
}

func (p *ExecPlugin) CanHandle(handler string, shape Shape) bool {
	for _, c := range p.Capabilities() {
		if c.Matches(handler, shape) {
			return true
		}
	}
	return false
}

func (p *ExecPlugin) Extract(ctx context.Context, server string, cred Credential, descriptor json.RawMessage) (json.RawMessage, error) {
	resp, err := p.call(ctx, &protocol.Request{
		Command:    protocol.CommandExtract,
		Server:     server,
		Token:      cred.Token,
		Descriptor: descriptor,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Data, nil
}

func (p *ExecPlugin) Transform(raw json.RawMessage, descriptor json.RawMessage) (*Table, error) {
	resp, err := p.call(context.Background(), &protocol.Request{
		Command:    protocol.CommandTransform,
		Descriptor: descriptor,
		Raw:        raw,
	})
	if err != nil {
		return nil, err
	}
	if resp.Table == nil {
		return nil, &ExtractionError{Plugin: p.name, Err: errors.New("transform returned no table")}
	}
	return &Table{Columns: resp.Table.Columns, Rows: resp.Table.Rows}, nil
}

// authorizingExecPlugin is an ExecPlugin whose manifest declares authorize.
type authorizingExecPlugin struct {
	*ExecPlugin
}

func (p *authorizingExecPlugin) Authorize(ctx context.Context, server string, cred Credential, descriptor json.RawMessage) error {
	_, err := p.call(ctx, &protocol.Request{
		Command:    protocol.CommandAuthorize,
		Server:     server,
		Token:      cred.Token,
		Descriptor: descriptor,
	})
	return err
}

// call runs one request and maps every failure to an ExtractionError.
func (p *ExecPlugin) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.Protocol = protocol.Version
	req.DeadlineAt = time.Now().Add(p.timeout)
	if jobID, ok := JobIDFromContext(ctx); ok {
		req.JobID = jobID
	}

	resp, stderr, err := p.spawn(ctx, req)
	if err != nil {
		if stderr != "" {
			p.logger.Warn("plugin stderr", "command", req.Command, "stderr", stderr)
		}
		return nil, &ExtractionError{Plugin: p.name, Err: err}
	}
	for _, entry := range resp.Logs {
		p.logger.Info(entry.Message, "command", req.Command, "plugin_level", entry.Level)
	}
	if resp.Status == "error" {
		return nil, &ExtractionError{Plugin: p.name, Err: errors.New(resp.Error)}
	}
	return resp, nil
}

// spawn starts the entrypoint, writes req, and waits for a response. On
// timeout or context cancellation the process gets SIGTERM, then SIGKILL
// after the grace period.
func (p *ExecPlugin) spawn(ctx context.Context, req *protocol.Request) (*protocol.Response, string, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	cmd := exec.Command(p.Entrypoint)
	cmd.Dir = p.Path

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("spawning plugin", "entrypoint", p.Entrypoint, "command", req.Command, "timeout", p.timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case <-timer.C:
		cause = fmt.Errorf("timed out after %s", p.timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, fmt.Errorf("encode request: %w", werr)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			p.logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
		}
		resp, raw, err := protocol.DecodeResponse(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			p.logger.Error("failed to decode plugin response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	p.logger.Warn("stopping plugin, sending SIGTERM", "reason", cause.Error())
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Error("failed to send SIGTERM", "error", err)
		}
	}
	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		p.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				p.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
	return nil, truncateStderr(stderr.String()), cause
}

func truncateStderr(s string) string {
	if len(s) <= maxStderrBytes {
		return s
	}
	return s[:maxStderrBytes] + "\n... (truncated)"
}

type jobIDKey struct{}

// WithJobID tags ctx with the job a plugin call runs for.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFromContext returns the job id set by WithJobID.
func JobIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok && id != ""
}
