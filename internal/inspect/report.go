// Package inspect renders read-only reports over the shared store: a job with
// its fingerprint pointer, and a saved state with the lineage of jobs its
// template references. Reading never refreshes TTLs.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/state"
	"github.com/mattjoyce/sharegate/internal/storage"
)

// JobReport is the structured form of a job report.
type JobReport struct {
	JobID       string `json:"job_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Handler     string `json:"handler"`
	Server      string `json:"server,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	// Pointer is the job the fingerprint currently resolves to, "" if none.
	Pointer   string          `json:"pointer,omitempty"`
	Error     string          `json:"error,omitempty"`
	Columns   []string        `json:"columns,omitempty"`
	Rows      int             `json:"rows,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// StateReport is the structured form of a saved-state report.
type StateReport struct {
	StateID   string `json:"state_id"`
	Handler   string `json:"handler"`
	Server    string `json:"server"`
	Template  string `json:"template"`
	CreatedAt string `json:"created_at"`
	Steps     []Step `json:"steps"`
}

// Step is one dependency of a saved state.
type Step struct {
	Index      int             `json:"index"`
	JobID      string          `json:"job_id"`
	Status     string          `json:"status"` // job status, or "expired"
	Handler    string          `json:"handler"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
	// Pointer is the job now answering for the dependency's fingerprint.
	Pointer string `json:"pointer,omitempty"`
}

// Job gathers the report for jobID.
func Job(ctx context.Context, s storage.Store, jobID string) (*JobReport, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	var job queue.Job
	if err := storage.GetJSON(ctx, s, queue.Key(jobID), &job); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("job %q not found (never existed or expired)", jobID)
		}
		return nil, fmt.Errorf("load job %q: %w", jobID, err)
	}

	r := &JobReport{
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Status:      string(job.Status),
		Handler:     job.Descriptor.Handler,
		Server:      job.Descriptor.Server,
		Fingerprint: job.Fingerprint,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
	}
	if job.Fingerprint != "" {
		ptr, err := pointer(ctx, s, job.Fingerprint)
		if err != nil {
			return nil, err
		}
		r.Pointer = ptr
	}

	if job.Kind == queue.KindExtract && len(job.Result) > 0 {
		var table struct {
			Columns []string `json:"columns"`
			Rows    [][]any  `json:"rows"`
		}
		if err := json.Unmarshal(job.Result, &table); err == nil {
			r.Columns = table.Columns
			r.Rows = len(table.Rows)
		}
	} else {
		r.Result = job.Result
	}
	return r, nil
}

// State gathers the report for stateID.
func State(ctx context.Context, s storage.Store, stateID string) (*StateReport, error) {
	if strings.TrimSpace(stateID) == "" {
		return nil, fmt.Errorf("state_id is required")
	}
	var saved state.Saved
	if err := storage.GetJSON(ctx, s, state.Key(stateID), &saved); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("state %q not found (never existed or expired)", stateID)
		}
		return nil, fmt.Errorf("load state %q: %w", stateID, err)
	}

	r := &StateReport{
		StateID:   saved.ID,
		Handler:   saved.Handler,
		Server:    saved.Server,
		Template:  saved.Template,
		CreatedAt: saved.CreatedAt.Format(time.RFC3339),
		Steps:     make([]Step, 0, len(saved.Dependencies)),
	}
	for i, dep := range saved.Dependencies {
		step := Step{
			Index:      i + 1,
			JobID:      dep.JobID,
			Status:     "expired",
			Handler:    dep.Descriptor.Handler,
			Descriptor: dep.Descriptor.Body,
		}
		var job queue.Job
		switch err := storage.GetJSON(ctx, s, queue.Key(dep.JobID), &job); {
		case err == nil:
			step.Status = string(job.Status)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load job %q: %w", dep.JobID, err)
		}

		fp, err := cache.Fingerprint(dep.Descriptor)
		if err != nil {
			return nil, err
		}
		if step.Pointer, err = pointer(ctx, s, fp); err != nil {
			return nil, err
		}
		r.Steps = append(r.Steps, step)
	}
	return r, nil
}

func pointer(ctx context.Context, s storage.Store, fp string) (string, error) {
	raw, err := s.Get(ctx, cache.PointerKey(fp))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read fingerprint pointer: %w", err)
	}
	return string(raw), nil
}

// FormatJob renders a terminal-friendly job report.
func FormatJob(r *JobReport) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", r.JobID)
	fmt.Fprintf(&out, "Kind        : %s\n", r.Kind)
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Handler     : %s\n", r.Handler)
	fmt.Fprintf(&out, "Server      : %s\n", renderUnset(r.Server, "<none>"))
	fmt.Fprintf(&out, "Created     : %s\n", r.CreatedAt)
	if r.Fingerprint != "" {
		fmt.Fprintf(&out, "Fingerprint : %s\n", r.Fingerprint)
		fmt.Fprintf(&out, "Pointer     : %s\n", describePointer(r.Pointer, r.JobID))
	}
	if r.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", r.Error)
	}
	if len(r.Columns) > 0 {
		fmt.Fprintf(&out, "Table       : %d rows x [%s]\n", r.Rows, strings.Join(r.Columns, ", "))
	}
	if len(r.Result) > 0 {
		fmt.Fprintf(&out, "Result      :\n")
		for _, line := range strings.Split(prettyJSON(r.Result), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	return out.String()
}

// FormatState renders a terminal-friendly saved-state report.
func FormatState(r *StateReport) string {
	var out strings.Builder
	fmt.Fprintf(&out, "State Report\n")
	fmt.Fprintf(&out, "State ID    : %s\n", r.StateID)
	fmt.Fprintf(&out, "Origin      : %s @ %s\n", r.Handler, renderUnset(r.Server, "<none>"))
	fmt.Fprintf(&out, "Created     : %s\n", r.CreatedAt)
	fmt.Fprintf(&out, "Template    : %s\n", r.Template)
	fmt.Fprintf(&out, "Jobs        : %d\n\n", len(r.Steps))

	for _, step := range r.Steps {
		fmt.Fprintf(&out, "[%d] %s (%s)\n", step.Index, step.JobID, step.Status)
		fmt.Fprintf(&out, "    handler    : %s\n", step.Handler)
		fmt.Fprintf(&out, "    pointer    : %s\n", describePointer(step.Pointer, step.JobID))
		fmt.Fprintf(&out, "    descriptor :\n")
		for _, line := range strings.Split(prettyJSON(step.Descriptor), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
	}
	return strings.TrimRight(out.String(), "\n") + "\n"
}

// JSON returns a report as indented JSON.
func JSON(report any) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func describePointer(ptr, self string) string {
	switch ptr {
	case "":
		return "<none>"
	case self:
		return "this job"
	default:
		return ptr
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
