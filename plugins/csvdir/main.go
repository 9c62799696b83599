// Command csvdir is an exec plugin serving CSV files from a directory.
//
// The request's server is the directory and the descriptor names a file:
//
//	{"file": "population.csv", "data_type": "numerical"}
//
// When the directory holds a .tokens file (one token per line) only those
// tokens are accepted; otherwise any non-empty token is.
//
// Build with: go build -o plugins/csvdir/csvdir ./plugins/csvdir
package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/sharegate/internal/protocol"
)

const tokensFile = ".tokens"

type descriptor struct {
	File string `json:"file"`
}

// rawTable is the extract payload: the CSV as strings.
type rawTable struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

func main() {
	resp := handle(os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(r io.Reader) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol version %d", req.Protocol))
	}

	switch req.Command {
	case protocol.CommandAuthorize:
		if _, err := resolve(req); err != nil {
			return errResp(err.Error())
		}
		return protocol.Response{Status: "ok"}
	case protocol.CommandExtract:
		return extract(req)
	case protocol.CommandTransform:
		return transform(req.Raw)
	default:
		return errResp(fmt.Sprintf("unknown command: %s", req.Command))
	}
}

// resolve checks the token and returns the path of the requested file.
func resolve(req protocol.Request) (string, error) {
	if req.Server == "" {
		return "", errors.New("server (directory) is required")
	}
	if err := checkToken(req.Server, req.Token); err != nil {
		return "", err
	}

	var d descriptor
	if err := json.Unmarshal(req.Descriptor, &d); err != nil {
		return "", fmt.Errorf("invalid descriptor: %w", err)
	}
	if d.File == "" || filepath.Base(d.File) != d.File || d.File == tokensFile {
		return "", fmt.Errorf("invalid file %q", d.File)
	}
	path := filepath.Join(req.Server, d.File)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("file not available: %s", d.File)
	}
	return path, nil
}

func checkToken(dir, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("unauthorized: empty token")
	}
	f, err := os.Open(filepath.Join(dir, tokensFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token list: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == token {
			return nil
		}
	}
	return errors.New("unauthorized")
}

func extract(req protocol.Request) protocol.Response {
	path, err := resolve(req)
	if err != nil {
		return errResp(err.Error())
	}
	f, err := os.Open(path)
	if err != nil {
		return errResp(err.Error())
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return errResp(fmt.Sprintf("parse %s: %v", filepath.Base(path), err))
	}
	if len(records) == 0 {
		return errResp("empty file")
	}

	data, err := json.Marshal(rawTable{Header: records[0], Rows: records[1:]})
	if err != nil {
		return errResp(err.Error())
	}
	return protocol.Response{
		Status: "ok",
		Data:   data,
		Logs:   []protocol.LogEntry{{Level: "info", Message: fmt.Sprintf("read %d rows", len(records)-1)}},
	}
}

// transform turns numeric-looking cells into numbers.
func transform(raw json.RawMessage) protocol.Response {
	var t rawTable
	if err := json.Unmarshal(raw, &t); err != nil {
		return errResp(fmt.Sprintf("invalid raw data: %v", err))
	}

	rows := make([][]any, 0, len(t.Rows))
	for _, rec := range t.Rows {
		row := make([]any, len(rec))
		for i, cell := range rec {
			if f, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err == nil {
				row[i] = f
			} else {
				row[i] = cell
			}
		}
		rows = append(rows, row)
	}
	return protocol.Response{
		Status: "ok",
		Table:  &protocol.Table{Columns: t.Header, Rows: rows},
	}
}

func errResp(msg string) protocol.Response {
	return protocol.Response{Status: "error", Error: msg}
}
