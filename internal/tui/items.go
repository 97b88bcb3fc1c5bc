package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/workflowd/internal/controlplane"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/workflow"
)

var (
	statusStarted = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusEnded   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func formatStatus(status models.Status) string {
	switch status {
	case models.StatusStarted:
		return statusStarted.Render("● started")
	case models.StatusEnded:
		return statusEnded.Render("● ended")
	case models.StatusFailed:
		return statusFailed.Render("● failed")
	case "":
		return statusMuted.Render("○ queued")
	default:
		return string(status)
	}
}

// elapsed is the run time of something that started at start and, when end
// is nil, is still running at now.
func elapsed(start time.Time, end *time.Time, now time.Time) string {
	if end != nil {
		now = *end
	}
	return workflow.FormatDuration(now.Sub(start))
}

// jobItem implements list.Item for the job list
type jobItem struct {
	job models.Job
	now time.Time
}

func (i jobItem) FilterValue() string { return i.job.Name }
func (i jobItem) Title() string       { return fmt.Sprintf("#%d %s", i.job.ID, i.job.Name) }
func (i jobItem) Description() string {
	desc := fmt.Sprintf("%s • %s • %s", formatStatus(i.job.Status),
		i.job.Start.Local().Format(time.DateTime), elapsed(i.job.Start, i.job.End, i.now))
	if i.job.User != nil {
		desc += " • " + *i.job.User
	}
	return desc
}

// serviceItem implements list.Item for the service list
type serviceItem struct {
	svc controlplane.ServiceView
	now time.Time
}

func (i serviceItem) FilterValue() string { return i.svc.Name }
func (i serviceItem) Title() string {
	host := "any host"
	if i.svc.Host != nil {
		host = *i.svc.Host
	}
	return fmt.Sprintf("%s @ %s (pid %d)", i.svc.Name, host, i.svc.PID)
}
func (i serviceItem) Description() string {
	state := statusFailed.Render("● dead")
	if i.svc.IsAlive {
		state = statusEnded.Render("● alive")
	}
	alive := 0
	for _, t := range i.svc.Tasks {
		if t.IsAlive {
			alive++
		}
	}
	return fmt.Sprintf("%s • heartbeat %s ago • tasks %d/%d", state,
		workflow.FormatDuration(i.now.Sub(i.svc.Timestamp)), alive, len(i.svc.Tasks))
}
