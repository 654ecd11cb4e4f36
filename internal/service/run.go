package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// Work submits jobs to a running supervisor.
type Work func(ctx context.Context, supervisor *Supervisor) error

// Run opens the project and runs the supervisor. In manual mode it
// returns once work and everything it triggered is done, in timer mode
// it runs until ctx is cancelled. Cancelling ctx kills running jobs.
func Run(ctx context.Context, config model.Config, work Work) error {
	svc, err := Open(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.ErrorContext(ctx, "closing job store", "error", err)
		}
	}()

	if _, err := svc.Supervisor.Recover(ctx); err != nil {
		return err
	}

	doCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(doCtx)
	g.Go(func() error {
		return svc.Supervisor.Do(gctx)
	})
	g.Go(func() error {
		if work != nil {
			if err := work(gctx, svc.Supervisor); err != nil {
				return err
			}
		}
		if config.Service.Mode == model.ServiceModeTimer {
			<-gctx.Done()
			return nil
		}
		err := svc.Supervisor.WaitIdle(gctx)
		stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Scan implements the CLI scan command.
func Scan(ctx context.Context, config model.Config, scan HostScan, targets ...string) error {
	return Run(ctx, config, func(ctx context.Context, supervisor *Supervisor) error {
		for _, target := range targets {
			added, err := supervisor.AddHosts(ctx, target, scan, config.Service.HostDiscovery)
			if err != nil {
				return fmt.Errorf("scanning %s: %w", target, err)
			}
			slog.InfoContext(ctx, "scan started", "target", target, "scan", scan.String(), "job_id", added.JobID, "run_id", added.RunID.String())
		}
		return nil
	})
}

// Import implements the CLI import command: reports are archived and
// parsed in parallel, then the tool rules run over all their hosts.
func Import(ctx context.Context, config model.Config, paths ...string) error {
	return Run(ctx, config, func(ctx context.Context, supervisor *Supervisor) error {
		now := time.Now()
		results := make([][]model.Nmap, len(paths))

		var g errgroup.Group
		g.SetLimit(4)
		for i, path := range paths {
			g.Go(func() error {
				hosts, err := ImportReport(config.Project.Output, path, now.Add(time.Duration(i)*time.Millisecond))
				if err != nil {
					return err
				}
				results[i] = hosts
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var hosts []model.Nmap
		for _, r := range results {
			hosts = append(hosts, r...)
		}
		ids, err := supervisor.AutoSchedule(ctx, hosts, true)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "nmap reports imported", "reports", len(paths), "hosts", len(hosts), "jobs", len(ids))
		return nil
	})
}

// PortAction implements the CLI action command for a single port.
func PortAction(ctx context.Context, config model.Config, name, ip, port, protocol string) error {
	return Run(ctx, config, func(ctx context.Context, supervisor *Supervisor) error {
		_, err := supervisor.RunPortAction(ctx, name, ip, port, protocol)
		return err
	})
}

// HostAction implements the CLI action command for a host.
func HostAction(ctx context.Context, config model.Config, label, ip string) error {
	return Run(ctx, config, func(ctx context.Context, supervisor *Supervisor) error {
		_, err := supervisor.RunHostAction(ctx, label, ip)
		return err
	})
}
