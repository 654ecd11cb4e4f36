package service

import (
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// AutoScheduler turns scan results into follow-up tool runs. It holds an
// immutable snapshot of the rules and the scheduler settings.
type AutoScheduler struct {
	rules []model.ToolRule
	cfg   model.Scheduler
}

func NewAutoScheduler(rules []model.ToolRule, cfg model.Scheduler) AutoScheduler {
	return AutoScheduler{rules: rules, cfg: cfg}
}

// Enabled reports whether results of a scan (isImport false) or of an
// imported report (isImport true) are scheduled.
func (a AutoScheduler) Enabled(isImport bool) bool {
	if isImport && !a.cfg.EnableOnImport {
		return false
	}
	return a.cfg.Enable
}

// Plan is one rule firing for one open port.
type Plan struct {
	Rule     model.ToolRule
	Host     string
	Port     string
	Protocol string
	Service  string
}

func (p Plan) Screenshot() bool {
	return p.Rule.Screenshot()
}

// Request builds the fast job running the rule's tool against the port.
func (p Plan) Request(runningDir string, now time.Time) JobRequest {
	tool := p.Rule.Tool
	return JobRequest{
		Name:       tool,
		TabTitle:   fmt.Sprintf("%s (%s/%s)", tool, p.Port, p.Protocol),
		Target:     p.Host,
		Port:       p.Port,
		Protocol:   p.Protocol,
		Command:    p.Rule.Command,
		OutputFile: outputPath(runningDir, tool, now, sanitize(tool), p.Host, p.Port),
	}
}

type planKey struct {
	host  string
	port  int
	proto string
	rule  int
}

// Plan walks every open port with a known service and matches it against
// all rules. nmap marks uncertain services with a trailing "?", which is
// ignored. A (host, port, protocol, rule) combination fires once per call.
func (a AutoScheduler) Plan(hosts iter.Seq[model.Nmap], isImport bool) []Plan {
	if !a.Enabled(isImport) {
		return nil
	}

	var ret []Plan
	seen := make(map[planKey]struct{})
	for host := range hosts {
		for _, port := range host.Ports {
			if !port.Open() || port.Service == nil {
				continue
			}
			service := port.Service.NormalizedName()
			for idx, rule := range a.rules {
				if !rule.Matches(service, port.Protocol) {
					continue
				}
				key := planKey{host: host.Address, port: port.ID, proto: port.Protocol, rule: idx}
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				ret = append(ret, Plan{
					Rule:     rule,
					Host:     host.Address,
					Port:     strconv.Itoa(port.ID),
					Protocol: port.Protocol,
					Service:  service,
				})
			}
		}
	}
	return ret
}
