package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/sharegate/internal/plugin"
)

const maxErrorBody = 512

// HTTPJSON serves handler "http": it reads one field of a record set from a
// JSON endpoint at <server>/records?field=<field> with a bearer token.
type HTTPJSON struct {
	Client *http.Client
}

// NewHTTPJSON returns an HTTPJSON plugin with a bounded client timeout.
func NewHTTPJSON() *HTTPJSON {
	return &HTTPJSON{Client: &http.Client{Timeout: 60 * time.Second}}
}

type httpDescriptor struct {
	DataType string `json:"data_type"`
	Field    string `json:"field"`
}

type record struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

func (*HTTPJSON) Name() string { return "httpjson" }

func (*HTTPJSON) Capabilities() []plugin.Capability {
	return []plugin.Capability{
		{Handler: "http", DataType: "numerical"},
		{Handler: "http", DataType: "categorical"},
	}
}

func (h *HTTPJSON) CanHandle(handler string, shape plugin.Shape) bool {
	for _, c := range h.Capabilities() {
		if c.Matches(handler, shape) {
			return true
		}
	}
	return false
}

func (h *HTTPJSON) Extract(ctx context.Context, server string, cred plugin.Credential, descriptor json.RawMessage) (json.RawMessage, error) {
	resp, err := h.do(ctx, http.MethodGet, server, cred, descriptor)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("server returned invalid JSON")
	}
	return body, nil
}

// Authorize issues a HEAD for the same resource, so the source checks the
// token without sending the records again.
func (h *HTTPJSON) Authorize(ctx context.Context, server string, cred plugin.Credential, descriptor json.RawMessage) error {
	resp, err := h.do(ctx, http.MethodHead, server, cred, descriptor)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (h *HTTPJSON) do(ctx context.Context, method, server string, cred plugin.Credential, descriptor json.RawMessage) (*http.Response, error) {
	var d httpDescriptor
	if err := json.Unmarshal(descriptor, &d); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	if d.Field == "" {
		return nil, errors.New("descriptor.field is required")
	}

	u, err := url.Parse(strings.TrimRight(server, "/") + "/records")
	if err != nil {
		return nil, fmt.Errorf("invalid server %q: %w", server, err)
	}
	u.RawQuery = url.Values{"field": {d.Field}}.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return nil, fmt.Errorf("server answered %s", resp.Status)
		}
		return nil, fmt.Errorf("server answered %s: %s", resp.Status, msg)
	}
	return resp, nil
}

func (*HTTPJSON) Transform(raw json.RawMessage, descriptor json.RawMessage) (*plugin.Table, error) {
	var d httpDescriptor
	if err := json.Unmarshal(descriptor, &d); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	var records []record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	t := &plugin.Table{Columns: []string{"id", d.Field}}
	for _, r := range records {
		switch v := r.Value.(type) {
		case float64:
			if d.DataType == "categorical" {
				return nil, fmt.Errorf("record %s: expected categorical value, got number", r.ID)
			}
		case string:
			if d.DataType == "numerical" {
				return nil, fmt.Errorf("record %s: expected numerical value, got %q", r.ID, v)
			}
		case nil:
		default:
			return nil, fmt.Errorf("record %s: unsupported value type %T", r.ID, v)
		}
		t.Rows = append(t.Rows, []any{r.ID, r.Value})
	}
	return t, nil
}
