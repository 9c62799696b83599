package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "extract request",
			req: &Request{
				Protocol:   1,
				JobID:      "job-123",
				Command:    CommandExtract,
				Server:     "https://records.example",
				Token:      "secret",
				Descriptor: json.RawMessage(`{"field":"age"}`),
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{`"protocol":1`, `"command":"extract"`, `"token":"secret"`, `"descriptor":{"field":"age"}`} {
					if !strings.Contains(output, want) {
						t.Errorf("output missing %s: %s", want, output)
					}
				}
				if strings.Contains(output, `"raw"`) {
					t.Error("raw should be omitted for extract")
				}
			},
		},
		{
			name: "transform request carries raw",
			req: &Request{
				Protocol: 1,
				Command:  CommandTransform,
				Raw:      json.RawMessage(`[1,2,3]`),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"raw":[1,2,3]`) {
					t.Errorf("missing raw: %s", output)
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, Command: CommandExtract},
			wantErr: true,
		},
		{
			name:    "unknown command",
			req:     &Request{Protocol: 1, Command: "poll"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil && err == nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "extract ok",
			input: `{"status":"ok","data":{"records":[{"id":1,"value":3}]}}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !strings.Contains(string(resp.Data), `"records"`) {
					t.Errorf("data not preserved: %s", resp.Data)
				}
			},
		},
		{
			name:  "transform ok",
			input: `{"status":"ok","table":{"columns":["id","value"],"rows":[[1,3.5]]}}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Table == nil || len(resp.Table.Rows) != 1 {
					t.Fatalf("table not decoded: %+v", resp.Table)
				}
			},
		},
		{
			name:  "unknown fields tolerated",
			input: `{"status":"ok","extra":true}`,
		},
		{
			name:    "empty output",
			input:   "",
			wantErr: "no output",
		},
		{
			name:    "not json",
			input:   "Traceback (most recent call last)",
			wantErr: "not valid JSON",
		},
		{
			name:    "missing status",
			input:   `{"data":{}}`,
			wantErr: "missing required field",
		},
		{
			name:    "bad status",
			input:   `{"status":"maybe"}`,
			wantErr: "invalid status",
		},
		{
			name:    "error without message",
			input:   `{"status":"error"}`,
			wantErr: "no error message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw, err := DecodeResponse(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				if string(raw) != tt.input {
					t.Errorf("raw bytes not returned: %q", raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResponse: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}
