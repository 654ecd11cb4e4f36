package nmap

import (
	"fmt"
	"strings"
)

// StageOptions describe one pass of the staged scan.
type StageOptions struct {
	Binary        string
	Stage         int
	Ports         string
	Target        string
	Output        string // -oA basename
	HostDiscovery bool
	Privileged    bool
}

// StageCommand builds the command line of a staged scan pass:
//
//	nmap [-Pn] -T4 -sV [-n] (-sSU [-O] | -sT) -p <ports> <target> -oA <output>
//
// Stage 1 resolves names, later stages pass -n. OS detection runs only in
// stage 2 and only for a privileged caller.
func StageCommand(o StageOptions) (string, error) {
	if o.Stage < 1 || o.Stage > 5 {
		return "", fmt.Errorf("stage %d out of range 1..5", o.Stage)
	}
	if o.Ports == "" || o.Target == "" || o.Output == "" {
		return "", fmt.Errorf("stage %d: ports, target and output are required", o.Stage)
	}

	args := []string{binary(o.Binary)}
	if !o.HostDiscovery {
		args = append(args, "-Pn")
	}
	args = append(args, "-T4", "-sV")
	if o.Stage != 1 {
		args = append(args, "-n")
	}
	if o.Privileged {
		args = append(args, "-sSU")
		if o.Stage == 2 {
			args = append(args, "-O")
		}
	} else {
		args = append(args, "-sT")
	}
	args = append(args, "-p", o.Ports, Quote(o.Target), "-oA", Quote(o.Output))
	return strings.Join(args, " "), nil
}

// DiscoveryCommand builds a ping sweep of target.
func DiscoveryCommand(bin, target, output string) string {
	return strings.Join([]string{binary(bin), "-n", "-sn", "-T4", Quote(target), "-oA", Quote(output)}, " ")
}

// ListCommand builds a list scan, which only enumerates target without
// sending packets to it.
func ListCommand(bin, target, output string) string {
	return strings.Join([]string{binary(bin), "-n", "-sL", Quote(target), "-oA", Quote(output)}, " ")
}

func binary(bin string) string {
	if bin == "" {
		return "nmap"
	}
	return Quote(bin)
}

// Quote makes s a single shell word. Words made of safe characters are
// returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafe) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:,@%+=", r)
}
