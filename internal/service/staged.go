package service

import (
	"strconv"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/nmap"

	"github.com/google/uuid"
)

// stagedRun is a five pass nmap scan of one target. Each stage runs as a
// slow job once the previous one finished.
type stagedRun struct {
	ID            uuid.UUID
	Target        string
	HostDiscovery bool
	Stage         int
	Stopped       bool
	JobID         int64
}

// request builds the job of the current stage.
func (r *stagedRun) request(stages model.Stages, runningDir string, privileged bool, now time.Time) (JobRequest, error) {
	stage := strconv.Itoa(r.Stage)
	out := outputPath(runningDir, "nmap", now, "nmapstage"+stage, r.Target)
	line, err := nmap.StageCommand(nmap.StageOptions{
		Binary:        stages.Nmap,
		Stage:         r.Stage,
		Ports:         stages.Ports(r.Stage),
		Target:        r.Target,
		Output:        out,
		HostDiscovery: r.HostDiscovery,
		Privileged:    privileged,
	})
	if err != nil {
		return JobRequest{}, err
	}
	return JobRequest{
		Name:       "nmap",
		TabTitle:   "nmap (stage " + stage + ")",
		Target:     r.Target,
		Command:    line,
		OutputFile: out,
		Slow:       true,
	}, nil
}

// next reports whether the run continues after its stage job ended in
// state. Only a Finished stage leads to the next one.
func (r *stagedRun) next(state model.JobState) bool {
	if r.Stopped || state != model.JobFinished || r.Stage >= model.StageCount {
		return false
	}
	r.Stage++
	return true
}
