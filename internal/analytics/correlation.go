package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mattjoyce/sharegate/internal/plugin"
)

// Correlation computes the Pearson coefficient between two columns. The
// columns may live in different tables; rows are paired by their "id" cell.
//
// Args: {"x": "<column>", "y": "<column>"}.
type Correlation struct{}

type correlationArgs struct {
	X string `json:"x"`
	Y string `json:"y"`
}

func (Correlation) Name() string { return "correlation" }

func (Correlation) Run(_ context.Context, inputs []*plugin.Table, args json.RawMessage) (json.RawMessage, error) {
	var a correlationArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("invalid correlation args: %w", err)
	}
	if a.X == "" || a.Y == "" {
		return nil, errors.New("correlation needs x and y columns")
	}

	xs, err := columnByID(inputs, a.X)
	if err != nil {
		return nil, err
	}
	ys, err := columnByID(inputs, a.Y)
	if err != nil {
		return nil, err
	}

	var ids []string
	for id := range xs {
		if _, ok := ys[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return nil, fmt.Errorf("correlation needs at least 2 paired rows, got %d", len(ids))
	}

	var mx, my float64
	for _, id := range ids {
		mx += xs[id]
		my += ys[id]
	}
	n := float64(len(ids))
	mx, my = mx/n, my/n

	var cov, vx, vy float64
	for _, id := range ids {
		dx, dy := xs[id]-mx, ys[id]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return nil, errors.New("correlation undefined for a constant column")
	}
	return json.Marshal(map[string]any{
		"x":           a.X,
		"y":           a.Y,
		"n":           len(ids),
		"coefficient": cov / math.Sqrt(vx*vy),
	})
}

// columnByID maps id to value for the first table carrying column name.
func columnByID(inputs []*plugin.Table, name string) (map[string]float64, error) {
	for _, t := range inputs {
		c, idCol := t.Column(name), t.Column("id")
		if c < 0 || idCol < 0 {
			continue
		}
		out := make(map[string]float64, len(t.Rows))
		for _, row := range t.Rows {
			if c >= len(row) || idCol >= len(row) {
				continue
			}
			v, ok := numeric(row[c])
			if !ok {
				continue
			}
			out[fmt.Sprint(row[idCol])] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("no input table has columns id and %q", name)
}
