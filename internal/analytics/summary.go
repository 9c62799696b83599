package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/mattjoyce/sharegate/internal/plugin"
)

// Summary reports count, mean, min, max and sample standard deviation of
// every numeric column of every input table.
//
// Args: {"columns": ["c0", ...]} restricts the report to the named columns.
type Summary struct{}

type summaryArgs struct {
	Columns []string `json:"columns"`
}

type ColumnStats struct {
	Count  int      `json:"count"`
	Mean   *float64 `json:"mean"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	StdDev *float64 `json:"stddev"`
}

func (Summary) Name() string { return "summary" }

func (Summary) Run(ctx context.Context, inputs []*plugin.Table, args json.RawMessage) (json.RawMessage, error) {
	var a summaryArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("invalid summary args: %w", err)
		}
	}

	out := make([]map[string]ColumnStats, 0, len(inputs))
	for _, t := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := map[string]ColumnStats{}
		for c, name := range t.Columns {
			if len(a.Columns) > 0 && !slices.Contains(a.Columns, name) {
				continue
			}
			var vals []float64
			numericCol := true
			for _, row := range t.Rows {
				if c >= len(row) || row[c] == nil {
					continue
				}
				v, ok := numeric(row[c])
				if !ok {
					numericCol = false
					break
				}
				vals = append(vals, v)
			}
			if numericCol {
				stats[name] = describe(vals)
			}
		}
		out = append(out, stats)
	}
	return json.Marshal(map[string]any{"tables": out})
}

func describe(vals []float64) ColumnStats {
	s := ColumnStats{Count: len(vals)}
	if len(vals) == 0 {
		return s
	}
	lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	mean := sum / float64(len(vals))
	s.Mean, s.Min, s.Max = &mean, &lo, &hi
	if len(vals) > 1 {
		var sq float64
		for _, v := range vals {
			sq += (v - mean) * (v - mean)
		}
		sd := math.Sqrt(sq / float64(len(vals)-1))
		s.StdDev = &sd
	}
	return s
}
