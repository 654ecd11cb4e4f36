package service

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/nmap"
)

const (
	phIP     = "[IP]"
	phPort   = "[PORT]"
	phOutput = "[OUTPUT]"
)

// Values are substituted into a tool command template.
type Values struct {
	IP     string
	Port   string
	Output string
}

// Expand substitutes [IP], [PORT] and [OUTPUT] in tmpl. A placeholder
// without a value is an error, as is an empty template.
func Expand(tmpl string, v Values) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", ErrEmptyCommand
	}
	pairs := make([]string, 0, 6)
	for _, p := range []struct {
		placeholder string
		value       string
	}{
		{phIP, v.IP},
		{phPort, v.Port},
		{phOutput, v.Output},
	} {
		if !strings.Contains(tmpl, p.placeholder) {
			continue
		}
		if p.value == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingValue, p.placeholder)
		}
		pairs = append(pairs, p.placeholder, nmap.Quote(p.value))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl), nil
}

// udpServiceScan makes an nmap port action probe a udp port.
func udpServiceScan(tmpl string) string {
	return strings.ReplaceAll(tmpl, "-sV", "-sVU")
}

var unsafeName = regexp.MustCompile(`[^0-9a-zA-Z]`)

// sanitize makes a tool name usable as a folder name.
func sanitize(s string) string {
	return unsafeName.ReplaceAllString(s, "")
}

// timestamp is a sortable, millisecond precise file name prefix.
func timestamp(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
}

// outputPath returns <dir>/<tool>/<ts>-<label>-<parts...>. Targets may
// be ranges like 10.0.0.0/24, slashes are replaced.
func outputPath(dir, tool string, now time.Time, label string, parts ...string) string {
	name := timestamp(now) + "-" + label
	for _, p := range parts {
		if p == "" {
			continue
		}
		name += "-" + strings.ReplaceAll(p, "/", "_")
	}
	return filepath.Join(dir, sanitize(tool), name)
}
