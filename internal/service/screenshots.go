package service

import (
	"net"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// screenshots deduplicates screenshot requests per host:port. With a
// configured screenshooter every new url becomes a fast job, otherwise
// the urls are only collected.
type screenshots struct {
	command string
	seen    map[string]struct{}
	urls    []string
}

func newScreenshots(cfg *model.Screenshooter) *screenshots {
	s := &screenshots{seen: make(map[string]struct{})}
	if cfg != nil {
		s.command = cfg.Command
	}
	return s
}

// add returns false for an url already requested.
func (s *screenshots) add(host, port string) (string, bool) {
	url := net.JoinHostPort(host, port)
	if _, ok := s.seen[url]; ok {
		return url, false
	}
	s.seen[url] = struct{}{}
	s.urls = append(s.urls, url)
	return url, true
}

func (s *screenshots) request(p Plan, runningDir string, now time.Time) (JobRequest, bool) {
	if s.command == "" {
		return JobRequest{}, false
	}
	return JobRequest{
		Name:       model.ScreenshotTool,
		TabTitle:   model.ScreenshotTool + " (" + p.Port + "/" + p.Protocol + ")",
		Target:     p.Host,
		Port:       p.Port,
		Protocol:   p.Protocol,
		Command:    s.command,
		OutputFile: outputPath(runningDir, "screenshots", now, "screenshot", p.Host, p.Port),
	}, true
}

func (s *screenshots) list() []string {
	return append([]string(nil), s.urls...)
}
