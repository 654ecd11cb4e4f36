package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/service"
	"github.com/CZERTAINLY/Sweeper/internal/store"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "list jobs of the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		active, _ := cmd.Flags().GetBool("active")
		return withStore(cmd, func(ctx context.Context, jobs *store.Jobs) error {
			list := jobs.List
			if active {
				list = jobs.ListActive
			}
			all, err := list(ctx)
			if err != nil {
				return err
			}
			printJobs(os.Stdout, all)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "cancel a waiting job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, jobs *store.Jobs) error {
			err := jobs.Transition(ctx, id, model.JobWaiting, model.JobCancelled)
			if errors.Is(err, store.ErrStateChanged) {
				return fmt.Errorf("%w: job %d", service.ErrNotWaiting, id)
			}
			return err
		})
	},
}

// killCmd flags the job as killed and signals its process group. The
// sweeper owning the process records the Killed state once it exits.
var killCmd = &cobra.Command{
	Use:   "kill ID",
	Short: "kill a running job or cancel a waiting one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, jobs *store.Jobs) error {
			job, err := jobs.Get(ctx, id)
			if err != nil {
				return err
			}
			switch job.State {
			case model.JobWaiting:
				err := jobs.Transition(ctx, id, model.JobWaiting, model.JobCancelled)
				if !errors.Is(err, store.ErrStateChanged) {
					return err
				}
				// started meanwhile
				fallthrough
			case model.JobRunning:
				err := jobs.MarkKilled(ctx, id)
				if errors.Is(err, store.ErrStateChanged) {
					return nil
				}
				if err != nil {
					return err
				}
				job, err = jobs.Get(ctx, id)
				if err != nil {
					return err
				}
				slog.InfoContext(ctx, "killing job", "job_id", id, "pid", job.PID)
				return service.KillGroup(job.PID)
			default:
				return nil
			}
		})
	},
}

var dismissCmd = &cobra.Command{
	Use:   "dismiss",
	Short: "hide terminated jobs from the job list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(cmd, func(ctx context.Context, jobs *store.Jobs) error {
			n, err := jobs.DismissInactive(ctx)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "jobs dismissed", "count", n)
			return nil
		})
	},
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, jobs *store.Jobs) error) error {
	ctx := commandContext(cmd)
	jobs, err := store.Open(ctx, config.Project.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			slog.ErrorContext(ctx, "closing job store", "error", err)
		}
	}()
	return fn(ctx, jobs)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func printJobs(w io.Writer, jobs []model.Job) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"id", "state", "title", "target", "pid", "started", "elapsed"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, job := range jobs {
		if job.Closed {
			continue
		}
		table.Append([]string{
			strconv.FormatInt(job.ID, 10),
			job.State.String(),
			job.TabTitle,
			job.Target,
			strconv.Itoa(job.PID),
			job.StartTime.Local().Format(time.DateTime),
			elapsed(job).String(),
		})
	}
	table.Render()
}

func elapsed(job model.Job) time.Duration {
	end := job.EndTime
	if end.IsZero() {
		if !job.Active() {
			return 0
		}
		end = time.Now()
	}
	return end.Sub(job.StartTime).Round(time.Second)
}
