package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sharegate/internal/events"
)

// maxFinished bounds how many terminal jobs stay on screen.
const maxFinished = 20

// JobState tracks an individual job as seen through job.* events.
type JobState struct {
	ID        string
	Kind      string
	Handler   string
	Status    string
	Error     string
	FirstSeen time.Time
	StartTime time.Time
	EndTime   time.Time
}

func (j *JobState) active() bool {
	return j.Status == "submitted" || j.Status == "running"
}

// KindStats counts jobs of one kind by outcome.
type KindStats struct {
	Active    int
	Success   int
	Failure   int
	Cancelled int
}

// updateJobState applies a job.* event. Events without a job id are ignored.
func updateJobState(jobs map[string]*JobState, e events.Event, now time.Time) {
	if !strings.HasPrefix(e.Type, "job.") {
		return
	}
	var p events.JobEvent
	if err := json.Unmarshal(e.Data, &p); err != nil || p.JobID == "" {
		return
	}

	job, ok := jobs[p.JobID]
	if !ok {
		job = &JobState{ID: p.JobID, FirstSeen: now}
		jobs[p.JobID] = job
	}
	if p.Kind != "" {
		job.Kind = p.Kind
	}
	if p.Handler != "" {
		job.Handler = p.Handler
	}
	if p.Status != "" {
		job.Status = p.Status
	}
	job.Error = p.Error

	switch e.Type {
	case events.JobRunning:
		job.StartTime = now
	case events.JobFinished, events.JobCancelled:
		job.EndTime = now
	}

	pruneFinished(jobs)
}

// pruneFinished drops the oldest terminal jobs beyond maxFinished.
func pruneFinished(jobs map[string]*JobState) {
	var done []*JobState
	for _, j := range jobs {
		if !j.active() {
			done = append(done, j)
		}
	}
	if len(done) <= maxFinished {
		return
	}
	sort.Slice(done, func(a, b int) bool { return done[a].EndTime.Before(done[b].EndTime) })
	for _, j := range done[:len(done)-maxFinished] {
		delete(jobs, j.ID)
	}
}

// kindStats aggregates jobs per kind.
func kindStats(jobs map[string]*JobState) map[string]*KindStats {
	out := make(map[string]*KindStats)
	for _, j := range jobs {
		kind := j.Kind
		if kind == "" {
			kind = "unknown"
		}
		s, ok := out[kind]
		if !ok {
			s = &KindStats{}
			out[kind] = s
		}
		switch j.Status {
		case "success":
			s.Success++
		case "failure":
			s.Failure++
		case "cancelled":
			s.Cancelled++
		default:
			s.Active++
		}
	}
	return out
}

// sortedJobs returns active jobs first, then finished jobs newest first.
func sortedJobs(jobs map[string]*JobState) []*JobState {
	list := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, j)
	}
	sort.Slice(list, func(a, b int) bool {
		ja, jb := list[a], list[b]
		if ja.active() != jb.active() {
			return ja.active()
		}
		if ja.active() {
			return ja.FirstSeen.Before(jb.FirstSeen)
		}
		return ja.EndTime.After(jb.EndTime)
	})
	return list
}

func renderJobs(jobs map[string]*JobState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(jobs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("JOBS"),
			theme.Dim.Render("  No job activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	stats := kindStats(jobs)
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	lines := []string{theme.Title.Render("JOBS")}
	for _, k := range kinds {
		s := stats[k]
		lines = append(lines, fmt.Sprintf(" %-10s %s %s %s %s",
			k,
			theme.StatusRunning.Render(fmt.Sprintf("%d active", s.Active)),
			theme.StatusOK.Render(fmt.Sprintf("%d ok", s.Success)),
			theme.StatusFailed.Render(fmt.Sprintf("%d failed", s.Failure)),
			theme.StatusDead.Render(fmt.Sprintf("%d cancelled", s.Cancelled)),
		))
	}
	lines = append(lines, "")

	for i, j := range sortedJobs(jobs) {
		lines = append(lines, renderJobRow(j, i == selected, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderJobRow(j *JobState, isSelected bool, theme Theme) string {
	id := j.ID
	if len(id) > 8 {
		id = id[:8]
	}

	idStyle := theme.Highlight
	if isSelected {
		idStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	var elapsed string
	switch {
	case j.active() && !j.StartTime.IsZero():
		elapsed = time.Since(j.StartTime).Round(time.Millisecond).String()
	case !j.EndTime.IsZero():
		elapsed = formatAgo(time.Since(j.EndTime).Round(time.Second))
	}

	row := fmt.Sprintf(" %s %s %-8s %-16s %s",
		statusIcon(j.Status, theme),
		idStyle.Render(id),
		j.Kind,
		j.Handler,
		theme.Dim.Render(elapsed),
	)
	if j.Error != "" {
		msg := j.Error
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		row += "\n    └─ " + theme.StatusFailed.Render(msg)
	}
	return row
}

func statusIcon(status string, theme Theme) string {
	switch status {
	case "success":
		return theme.StatusOK.Render("✅")
	case "failure":
		return theme.StatusFailed.Render("❌")
	case "cancelled":
		return theme.StatusDead.Render("⊘")
	case "running":
		return theme.StatusRunning.Render("▶")
	default:
		return theme.StatusQueued.Render("…")
	}
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
