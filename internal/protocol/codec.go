package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request to JSON and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	switch req.Command {
	case CommandExtract, CommandTransform, CommandAuthorize:
	default:
		return fmt.Errorf("unknown command %q", req.Command)
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads a Response from r. The raw bytes are returned as well so
// callers can log what the plugin actually printed when decoding fails.
func DecodeResponse(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("plugin produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("plugin output is not valid JSON: %w", err)
	}

	switch resp.Status {
	case "":
		return nil, data, fmt.Errorf("response missing required field: status")
	case "ok", "error":
	default:
		return nil, data, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && resp.Error == "" {
		return nil, data, fmt.Errorf("response has status=error but no error message")
	}

	return &resp, data, nil
}
