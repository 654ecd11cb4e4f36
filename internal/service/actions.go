package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/nmap"

	"github.com/google/uuid"
)

// HostScan selects how AddHosts scans a target.
type HostScan int

const (
	// HostScanList enumerates the target without sending packets to it.
	HostScanList HostScan = iota
	// HostScanDiscovery runs a ping sweep.
	HostScanDiscovery
	// HostScanStaged runs the five stage nmap scan.
	HostScanStaged
)

func (h HostScan) String() string {
	switch h {
	case HostScanDiscovery:
		return "discovery"
	case HostScanStaged:
		return "staged"
	default:
		return "list"
	}
}

// ParseHostScan is the inverse of HostScan.String.
func ParseHostScan(s string) (HostScan, error) {
	for _, h := range []HostScan{HostScanList, HostScanDiscovery, HostScanStaged} {
		if h.String() == s {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown scan %q, possible values (list,discovery,staged)", s)
}

// Added identifies the work started by AddHosts: a job, or a staged run.
type Added struct {
	JobID int64
	RunID uuid.UUID
}

// AddHosts scans a host or a range. A staged scan honours hostDiscovery,
// discovery and list scans are single slow nmap jobs.
func (s *Supervisor) AddHosts(ctx context.Context, target string, scan HostScan, hostDiscovery bool) (Added, error) {
	if scan == HostScanStaged {
		id, err := s.StartStagedScan(ctx, target, hostDiscovery)
		return Added{RunID: id}, err
	}

	now := s.stamp()
	req := JobRequest{
		Name:   "nmap",
		Target: target,
		Slow:   true,
	}
	if scan == HostScanDiscovery {
		req.OutputFile = outputPath(s.cfg.Project.Running, "nmap", now, "host-discover", target)
		req.TabTitle = "nmap (discovery)"
		req.Command = nmap.DiscoveryCommand(s.cfg.Stages.Nmap, target, req.OutputFile)
	} else {
		req.OutputFile = outputPath(s.cfg.Project.Running, "nmap", now, "nmap-list", target)
		req.TabTitle = "nmap (list)"
		req.Command = nmap.ListCommand(s.cfg.Stages.Nmap, target, req.OutputFile)
	}
	id, err := s.Submit(ctx, req)
	return Added{JobID: id}, err
}

// RunHostAction runs the host action labelled label against ip. nmap host
// actions are slow jobs.
func (s *Supervisor) RunHostAction(ctx context.Context, label, ip string) (int64, error) {
	action, ok := s.cfg.Tools.HostAction(label)
	if !ok {
		return 0, fmt.Errorf("host action %q: %w", label, model.ErrUnknownAction)
	}
	tool := sanitize(action.Tool)
	return s.Submit(ctx, JobRequest{
		Name:       action.Tool,
		TabTitle:   action.Label,
		Target:     ip,
		Command:    action.Command,
		OutputFile: outputPath(s.cfg.Project.Running, tool, s.stamp(), tool, ip),
		Slow:       action.Tool == "nmap",
	})
}

// RunPortAction runs the port action with a given label or tool name
// against ip:port. nmap probes udp ports with -sVU.
func (s *Supervisor) RunPortAction(ctx context.Context, name, ip, port, protocol string) (int64, error) {
	action, ok := s.cfg.Tools.PortAction(name)
	if !ok {
		return 0, fmt.Errorf("port action %q: %w", name, model.ErrUnknownAction)
	}
	if protocol == "" {
		protocol = "tcp"
	}
	command := action.Command
	if action.Tool == "nmap" && protocol == "udp" {
		command = udpServiceScan(command)
	}
	tool := sanitize(action.Tool)
	return s.Submit(ctx, JobRequest{
		Name:       action.Tool,
		TabTitle:   fmt.Sprintf("%s (%s/%s)", action.Tool, port, protocol),
		Target:     ip,
		Port:       port,
		Protocol:   protocol,
		Command:    command,
		OutputFile: outputPath(s.cfg.Project.Running, tool, s.stamp(), tool, ip, port),
	})
}

// Import archives an nmap report to the output folder and schedules the
// tool rules over its hosts, if enabled for imports.
func (s *Supervisor) Import(ctx context.Context, path string) ([]int64, error) {
	hosts, err := ImportReport(s.cfg.Project.Output, path, s.stamp())
	if err != nil {
		return nil, err
	}
	return s.AutoSchedule(ctx, hosts, true)
}

// ImportReport archives and parses an nmap report.
func ImportReport(outputDir, path string, now time.Time) ([]model.Nmap, error) {
	archived, err := archiveImport(outputDir, path, now)
	if err != nil {
		return nil, fmt.Errorf("archiving %s: %w", path, err)
	}
	return nmap.ParseFile(archived)
}

// Recover lists the jobs a previous session left Waiting or Running.
// Nothing is relaunched.
func (s *Supervisor) Recover(ctx context.Context) ([]model.Job, error) {
	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	for _, job := range jobs {
		slog.WarnContext(ctx, "job left by previous session",
			"job_id", job.ID,
			"tool", job.Name,
			"state", job.State,
			"pid", job.PID,
		)
	}
	return jobs, nil
}
