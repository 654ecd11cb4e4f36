package model

import "strings"

// Nmap is a result of nmap scan on a given host/ip address
type Nmap struct {
	Address  string
	Hostname string
	Status   string
	Ports    []NmapPort
}

// NmapPort contains nmap output for a given port
type NmapPort struct {
	ID       int
	State    string
	Protocol string
	Service  *NmapService
}

// Open reports whether nmap considered the port open.
func (p NmapPort) Open() bool {
	return strings.EqualFold(p.State, "open")
}

type NmapService struct {
	Name    string
	Product string
	Version string
}

// NormalizedName strips the trailing "?" nmap appends when it is not
// sure about the service.
func (s NmapService) NormalizedName() string {
	return strings.TrimSuffix(s.Name, "?")
}
