// Package nmap parses nmap XML reports and builds the nmap command lines
// of the staged scan, host discovery and list scan.
package nmap

import (
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

// ParseFile reads an nmap XML report (-oX or the .xml part of -oA).
func ParseFile(path string) ([]model.Nmap, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading nmap report: %w", err)
	}
	hosts, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return hosts, nil
}

// Parse converts an nmap XML report to the result tree. A report
// without hosts is not an error.
func Parse(content []byte) ([]model.Nmap, error) {
	var run nmap.Run
	if err := nmap.Parse(content, &run); err != nil {
		return nil, fmt.Errorf("parsing nmap xml: %w", err)
	}
	ret := make([]model.Nmap, 0, len(run.Hosts))
	for _, host := range run.Hosts {
		h, ok := hostToModel(host)
		if !ok {
			continue
		}
		ret = append(ret, h)
	}
	return ret, nil
}

func hostToModel(host nmap.Host) (model.Nmap, bool) {
	addr := primaryAddress(host)
	if addr == "" {
		return model.Nmap{}, false
	}

	ret := model.Nmap{
		Address: addr,
		Status:  host.Status.State,
		Ports:   make([]model.NmapPort, 0, len(host.Ports)),
	}
	if len(host.Hostnames) > 0 {
		ret.Hostname = host.Hostnames[0].Name
	}

	for _, port := range host.Ports {
		p := model.NmapPort{
			ID:       int(port.ID),
			State:    port.State.State,
			Protocol: strings.ToLower(port.Protocol),
		}
		if port.Service.Name != "" {
			p.Service = &model.NmapService{
				Name:    port.Service.Name,
				Product: port.Service.Product,
				Version: port.Service.Version,
			}
		}
		ret.Ports = append(ret.Ports, p)
	}
	return ret, true
}

// primaryAddress prefers an IP over a MAC address
func primaryAddress(host nmap.Host) string {
	var fallback string
	for _, a := range host.Addresses {
		switch a.AddrType {
		case "ipv4", "ipv6":
			return a.Addr
		default:
			if fallback == "" {
				fallback = a.Addr
			}
		}
	}
	return fallback
}
