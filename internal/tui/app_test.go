package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/workflowd/internal/controlplane"
	"github.com/fentz26/workflowd/internal/models"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	end := start.Add(90 * time.Second)
	job := controlplane.JobView{
		Job:   models.Job{ID: 7, Name: "import.gebieden", Type: "import", Start: start, Status: models.StatusEnded, End: &end},
		Steps: []models.JobStep{{ID: 8, Name: "read", Start: start, End: &end, Status: models.StatusEnded, JobID: 7}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(controlplane.HealthResponse{OK: true, DB: "ok"})
	})
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.Job{job.Job})
	})
	mux.HandleFunc("/jobs/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"storage not connected"}`, http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	c := NewClient(newAPI(t).URL + "/")

	ok, err := c.CheckHealth()
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err := c.ListJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job, err := c.GetJob(7)
	require.NoError(t, err)
	require.Len(t, job.Steps, 1)

	_, err = c.ListServices()
	assert.ErrorContains(t, err, "storage not connected")
}

func TestApp_Flow(t *testing.T) {
	a := New(newAPI(t).URL, time.Second)
	a.now = func() time.Time { return start.Add(time.Hour) }
	a.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	a.Update(a.fetchJobs()())
	require.Len(t, a.jobs.Items(), 1)
	assert.Contains(t, a.View(), "import.gebieden")

	_, cmd := a.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, modeJob, a.mode)
	a.Update(cmd())
	require.NotNil(t, a.job)
	assert.Contains(t, a.View(), "read")

	a.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, modeJobs, a.mode)

	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, modeServices, a.mode)
	a.Update(a.fetchServices()())
	assert.Contains(t, a.message, "storage not connected")
}

func TestRenderJob(t *testing.T) {
	end := start.Add(75 * time.Minute)
	out := renderJob(&controlplane.JobView{
		Job:   models.Job{ID: 1, Name: "relate.gebieden", Type: "relate", Start: start, End: &end, Status: models.StatusFailed},
		Steps: nil,
	}, start)
	assert.Contains(t, out, "1:15:00")
	assert.True(t, strings.Contains(out, "no steps yet"))
}

func TestElapsed(t *testing.T) {
	assert.Equal(t, "0:00:30", elapsed(start, nil, start.Add(30*time.Second)))
	end := start.Add(time.Minute)
	assert.Equal(t, "0:01:00", elapsed(start, &end, start.Add(time.Hour)))
}
