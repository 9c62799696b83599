package watch

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sharegate/internal/events"
)

func TestModelTracksEvents(t *testing.T) {
	m := New("http://127.0.0.1:8080", "key")

	e := jobEvent(t, events.JobSubmitted, events.JobEvent{JobID: "j1", Kind: "extract", Handler: "census", Status: "submitted"})
	e.ID = 42
	next, cmd := m.Update(eventMsg(e))
	require.NotNil(t, cmd, "keeps reading the event channel")

	got := next.(Model)
	assert.Equal(t, int64(42), got.lastEventID)
	assert.Contains(t, got.jobs, "j1")
	assert.True(t, got.health.Connected)
	require.Len(t, got.eventLog, 1)

	next, _ = got.Update(sseDisconnectedMsg{})
	got = next.(Model)
	assert.False(t, got.health.Connected)
	assert.Contains(t, got.lastError, "reconnecting")
	assert.Equal(t, int64(42), got.lastEventID, "resume point survives a disconnect")
}

func TestModelView(t *testing.T) {
	m := New("http://127.0.0.1:8080", "key")
	assert.Equal(t, "Initializing watch...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, _ = next.Update(eventMsg(jobEvent(t, events.JobRunning, events.JobEvent{JobID: "j7", Kind: "analysis", Status: "running"})))
	view := next.View()
	assert.Contains(t, view, "SHAREGATE WATCH")
	assert.Contains(t, view, "j7")
}
