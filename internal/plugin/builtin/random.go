// Package builtin holds the plugins compiled into sharegate.
package builtin

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/sharegate/internal/plugin"
)

// Random serves handler "test" with deterministic pseudo-random numeric
// tables. The same descriptor always yields the same table.
//
// Descriptor fields (all optional): rows, cols, delay (Go duration).
type Random struct{}

// Largest table Random produces.
const (
	maxRandomRows = 100_000
	maxRandomCols = 64
)

type randomDescriptor struct {
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	Delay string `json:"delay"`
}

type randomData struct {
	Columns []string    `json:"columns"`
	Values  [][]float64 `json:"values"`
}

func (Random) Name() string { return "random" }

func (Random) Capabilities() []plugin.Capability {
	return []plugin.Capability{{Handler: "test", DataType: "*"}}
}

func (r Random) CanHandle(handler string, shape plugin.Shape) bool {
	return r.Capabilities()[0].Matches(handler, shape)
}

func (Random) Extract(ctx context.Context, server string, cred plugin.Credential, descriptor json.RawMessage) (json.RawMessage, error) {
	if cred.Token == "" {
		return nil, errors.New("empty token rejected")
	}

	var d randomDescriptor
	if len(descriptor) > 0 {
		if err := json.Unmarshal(descriptor, &d); err != nil {
			return nil, fmt.Errorf("invalid descriptor: %w", err)
		}
	}
	if d.Rows <= 0 {
		d.Rows = 10
	}
	if d.Cols <= 0 {
		d.Cols = 5
	}
	if d.Rows > maxRandomRows || d.Cols > maxRandomCols {
		return nil, fmt.Errorf("table of %dx%d exceeds the limit of %dx%d", d.Rows, d.Cols, maxRandomRows, maxRandomCols)
	}

	if d.Delay != "" {
		delay, err := time.ParseDuration(d.Delay)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	sum := blake3.Sum256(append([]byte(server+"\x00"), descriptor...))
	rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:16])))

	out := randomData{Columns: make([]string, d.Cols), Values: make([][]float64, d.Rows)}
	for c := range out.Columns {
		out.Columns[c] = fmt.Sprintf("c%d", c)
	}
	for i := range out.Values {
		row := make([]float64, d.Cols)
		for c := range row {
			row[c] = rng.NormFloat64()
		}
		out.Values[i] = row
	}
	return json.Marshal(out)
}

func (Random) Transform(raw json.RawMessage, _ json.RawMessage) (*plugin.Table, error) {
	var data randomData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode raw data: %w", err)
	}
	t := &plugin.Table{Columns: append([]string{"id"}, data.Columns...)}
	for i, vals := range data.Values {
		row := make([]any, 0, len(vals)+1)
		row = append(row, fmt.Sprintf("s%d", i))
		for _, v := range vals {
			row = append(row, v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
