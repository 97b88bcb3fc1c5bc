package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/workflowd/internal/controlplane"
	"github.com/fentz26/workflowd/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and unlock tasks",
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskUnlockCmd = &cobra.Command{
	Use:   "unlock [task-id]",
	Short: "Release the claim of a task whose holder is gone",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUnlock,
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show a job with its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobLimit int

func init() {
	taskCmd.AddCommand(taskShowCmd, taskUnlockCmd)
	jobCmd.AddCommand(jobListCmd, jobShowCmd)

	jobListCmd.Flags().IntVar(&jobLimit, "limit", 20, "Maximum number of jobs")
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := apiGet("/tasks/"+args[0], &task); err != nil {
		return err
	}
	printTask(task)
	return nil
}

func runTaskUnlock(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := apiPost("/tasks/"+args[0]+"/unlock", nil, &task); err != nil {
		return err
	}
	fmt.Printf("Unlocked task %d (%s)\n", task.ID, task.Name)
	return nil
}

func printTask(task models.Task) {
	fmt.Printf("ID:           %d\n", task.ID)
	fmt.Printf("Name:         %s\n", task.Name)
	fmt.Printf("Status:       %s\n", orDash(string(task.Status)))
	fmt.Printf("Job / Step:   %d / %d\n", task.JobID, task.StepID)
	if len(task.Dependencies) > 0 {
		fmt.Printf("Dependencies: %s\n", strings.Join(task.Dependencies, ", "))
	}
	if task.Lock != nil {
		fmt.Printf("Locked:       %s\n", time.Unix(*task.Lock, 0).Format(time.RFC3339))
	}
	fmt.Printf("Start:        %s\n", formatTime(task.Start))
	fmt.Printf("End:          %s\n", formatTime(task.End))
	if task.ProcessID != "" {
		fmt.Printf("Process:      %s\n", task.ProcessID)
	}
}

func runJobList(cmd *cobra.Command, args []string) error {
	var jobs []models.Job
	if err := apiGet(fmt.Sprintf("/jobs?limit=%d", jobLimit), &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTART\tEND")
	for _, j := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", j.ID, truncate(j.Name, 40), j.Status, j.Start.Local().Format(time.DateTime), formatTime(j.End))
	}
	return w.Flush()
}

func runJobShow(cmd *cobra.Command, args []string) error {
	var job controlplane.JobView
	if err := apiGet("/jobs/"+args[0], &job); err != nil {
		return err
	}

	fmt.Printf("ID:      %d\n", job.ID)
	fmt.Printf("Name:    %s\n", job.Name)
	fmt.Printf("Status:  %s\n", job.Status)
	if job.User != nil {
		fmt.Printf("User:    %s\n", *job.User)
	}
	fmt.Printf("Start:   %s\n", job.Start.Local().Format(time.DateTime))
	fmt.Printf("End:     %s\n", formatTime(job.End))
	if len(job.Steps) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNAME\tSTATUS\tSTART\tEND")
	for _, s := range job.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status, s.Start.Local().Format(time.DateTime), formatTime(s.End))
	}
	return w.Flush()
}

// --- Helpers ---

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
