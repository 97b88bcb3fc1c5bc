// Package tui provides the interactive terminal dashboard for workflowd.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/workflowd/internal/controlplane"
	"github.com/fentz26/workflowd/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

type mode int

const (
	modeJobs mode = iota
	modeServices
	modeJob
)

// chrome is the number of lines taken by the header and the status bar.
const chrome = 3

// App is the main TUI application model.
type App struct {
	client   *Client
	jobs     list.Model
	services list.Model
	detail   viewport.Model
	mode     mode
	job      *controlplane.JobView
	width    int
	height   int
	message  string
	online   bool
	interval time.Duration
	limit    int
	now      func() time.Time
}

// New creates a new TUI application polling apiAddr every interval.
func New(apiAddr string, interval time.Duration) *App {
	jobs := list.New([]list.Item{}, list.NewDefaultDelegate(), 80, 20)
	jobs.Title = "Jobs"
	jobs.Styles.Title = titleStyle
	services := list.New([]list.Item{}, list.NewDefaultDelegate(), 80, 20)
	services.Title = "Services"
	services.Styles.Title = titleStyle

	return &App{
		client:   NewClient(apiAddr),
		jobs:     jobs,
		services: services,
		detail:   viewport.New(80, 20),
		interval: interval,
		limit:    100,
		now:      time.Now,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type (
	jobsLoadedMsg     struct{ jobs []models.Job }
	servicesLoadedMsg struct{ services []controlplane.ServiceView }
	jobLoadedMsg      struct{ job *controlplane.JobView }
	healthMsg         struct{ online bool }
	errMsg            struct{ err error }
	tickMsg           time.Time
)

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Cmd {
	cmds := []tea.Cmd{a.checkDaemon(), a.fetchJobs(), a.fetchServices()}
	if a.mode == modeJob && a.job != nil {
		cmds = append(cmds, a.fetchJob(a.job.ID))
	}
	return tea.Batch(cmds...)
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return healthMsg{ok}
	}
}

func (a *App) fetchJobs() tea.Cmd {
	return func() tea.Msg {
		jobs, err := a.client.ListJobs(a.limit)
		if err != nil {
			return errMsg{err}
		}
		return jobsLoadedMsg{jobs}
	}
}

func (a *App) fetchServices() tea.Cmd {
	return func() tea.Msg {
		services, err := a.client.ListServices()
		if err != nil {
			return errMsg{err}
		}
		return servicesLoadedMsg{services}
	}
}

func (a *App) fetchJob(id int64) tea.Cmd {
	return func() tea.Msg {
		job, err := a.client.GetJob(id)
		if err != nil {
			return errMsg{err}
		}
		return jobLoadedMsg{job}
	}
}

func (a *App) activeList() *list.Model {
	if a.mode == modeServices {
		return &a.services
	}
	return &a.jobs
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		h := msg.Height - chrome
		if h < 1 {
			h = 1
		}
		a.jobs.SetSize(msg.Width, h)
		a.services.SetSize(msg.Width, h)
		a.detail.Width, a.detail.Height = msg.Width, h
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tick())

	case healthMsg:
		a.online = msg.online
		return a, nil

	case jobsLoadedMsg:
		now := a.now()
		items := make([]list.Item, len(msg.jobs))
		for i, j := range msg.jobs {
			items[i] = jobItem{job: j, now: now}
		}
		a.message = ""
		return a, a.jobs.SetItems(items)

	case servicesLoadedMsg:
		now := a.now()
		items := make([]list.Item, len(msg.services))
		for i, s := range msg.services {
			items[i] = serviceItem{svc: s, now: now}
		}
		return a, a.services.SetItems(items)

	case jobLoadedMsg:
		a.job = msg.job
		a.detail.SetContent(renderJob(msg.job, a.now()))
		return a, nil

	case errMsg:
		a.message = msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		if a.mode != modeJob && a.activeList().FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			return a, a.refresh()
		case "tab":
			switch a.mode {
			case modeJobs:
				a.mode = modeServices
			case modeServices:
				a.mode = modeJobs
			}
			return a, nil
		case "esc":
			if a.mode == modeJob {
				a.mode = modeJobs
				a.job = nil
				return a, nil
			}
		case "enter":
			if a.mode == modeJobs {
				if item, ok := a.jobs.SelectedItem().(jobItem); ok {
					a.mode = modeJob
					a.detail.SetContent("Loading job...")
					a.detail.GotoTop()
					return a, a.fetchJob(item.job.ID)
				}
			}
		}
	}

	var cmd tea.Cmd
	switch a.mode {
	case modeJobs:
		a.jobs, cmd = a.jobs.Update(msg)
	case modeServices:
		a.services, cmd = a.services.Update(msg)
	case modeJob:
		a.detail, cmd = a.detail.Update(msg)
	}
	return a, cmd
}

// View implements tea.Model
func (a *App) View() string {
	var body string
	switch a.mode {
	case modeJobs:
		body = a.jobs.View()
	case modeServices:
		body = a.services.View()
	case modeJob:
		body = a.detail.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left, a.header(), body, a.statusBar())
}

func (a *App) header() string {
	daemon := offlineStyle.Render("● offline")
	if a.online {
		daemon = onlineStyle.Render("● online")
	}
	return titleStyle.Render("workflowd") + " " + daemon
}

func (a *App) statusBar() string {
	help := "tab: jobs/services • enter: job detail • r: refresh • /: filter • q: quit"
	if a.mode == modeJob {
		help = "esc: back • ↑/↓: scroll • r: refresh • q: quit"
	}
	if a.message != "" {
		return statusBarStyle.Render(offlineStyle.Render(a.message))
	}
	return statusBarStyle.Render(helpStyle.Render(help))
}

// renderJob renders a job and its steps for the detail view.
func renderJob(job *controlplane.JobView, now time.Time) string {
	var b strings.Builder
	field := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", label+":")), value)
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("Job #%d %s", job.ID, job.Name)) + "\n")
	field("Status", formatStatus(job.Status))
	field("Type", job.Type)
	if len(job.Args) > 0 {
		field("Args", strings.Join(job.Args, " "))
	}
	if job.User != nil {
		field("User", *job.User)
	}
	field("Start", job.Start.Local().Format(time.DateTime))
	if job.End != nil {
		field("End", job.End.Local().Format(time.DateTime))
	}
	field("Duration", elapsed(job.Start, job.End, now))

	b.WriteString(sectionStyle.Render("Steps") + "\n")
	if len(job.Steps) == 0 {
		b.WriteString(helpStyle.Render("no steps yet") + "\n")
	}
	for _, s := range job.Steps {
		fmt.Fprintf(&b, "  #%-6d %-24s %s  %s\n", s.ID, s.Name, formatStatus(s.Status), elapsed(s.Start, s.End, now))
	}
	return b.String()
}
