package nmap_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/nmap"

	"github.com/stretchr/testify/require"
)

func TestParseFile(t *testing.T) {
	t.Parallel()

	hosts, err := nmap.ParseFile(filepath.Join("testdata", "stage.xml"))
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	web := hosts[0]
	require.Equal(t, "192.168.56.10", web.Address)
	require.Equal(t, "web.lab", web.Hostname)
	require.Equal(t, "up", web.Status)
	require.Len(t, web.Ports, 4)

	require.Equal(t, model.NmapPort{ID: 22, State: "closed", Protocol: "tcp", Service: &model.NmapService{Name: "ssh"}}, web.Ports[0])
	require.True(t, web.Ports[1].Open())
	require.Equal(t, &model.NmapService{Name: "http", Product: "nginx", Version: "1.24.0"}, web.Ports[1].Service)
	require.Equal(t, "https?", web.Ports[2].Service.Name)
	require.Equal(t, "https", web.Ports[2].Service.NormalizedName())
	require.Nil(t, web.Ports[3].Service, "port without service")

	snmp := hosts[1]
	require.Equal(t, "192.168.56.20", snmp.Address)
	require.Empty(t, snmp.Hostname)
	require.Equal(t, "udp", snmp.Ports[0].Protocol)
	require.True(t, snmp.Ports[0].Open())
	require.False(t, snmp.Ports[1].Open())
}

func TestParse_NoHosts(t *testing.T) {
	t.Parallel()

	content, err := os.ReadFile(filepath.Join("testdata", "empty.xml"))
	require.NoError(t, err)
	hosts, err := nmap.Parse(content)
	require.NoError(t, err)
	require.Empty(t, hosts)
}

func TestParse_Fail(t *testing.T) {
	t.Parallel()

	_, err := nmap.Parse([]byte("<nmaprun><host>"))
	require.Error(t, err)

	_, err = nmap.ParseFile(filepath.Join(t.TempDir(), "missing.xml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStageCommand(t *testing.T) {
	t.Parallel()

	type given struct {
		stage      int
		discovery  bool
		privileged bool
	}

	var testCases = []struct {
		scenario string
		given    given
		then     string
	}{
		{
			scenario: "stage 1 unprivileged",
			given:    given{stage: 1, discovery: true},
			then:     "nmap -T4 -sV -sT -p T:80,443 10.0.0.0/24 -oA /tmp/run/nmap/ts-nmapstage1",
		},
		{
			scenario: "stage 1 no host discovery",
			given:    given{stage: 1},
			then:     "nmap -Pn -T4 -sV -sT -p T:80,443 10.0.0.0/24 -oA /tmp/run/nmap/ts-nmapstage1",
		},
		{
			scenario: "stage 2 privileged detects os",
			given:    given{stage: 2, discovery: true, privileged: true},
			then:     "nmap -T4 -sV -n -sSU -O -p T:80,443 10.0.0.0/24 -oA /tmp/run/nmap/ts-nmapstage2",
		},
		{
			scenario: "stage 3 privileged",
			given:    given{stage: 3, discovery: true, privileged: true},
			then:     "nmap -T4 -sV -n -sSU -p T:80,443 10.0.0.0/24 -oA /tmp/run/nmap/ts-nmapstage3",
		},
		{
			scenario: "stage 5 unprivileged",
			given:    given{stage: 5, discovery: true},
			then:     "nmap -T4 -sV -n -sT -p T:80,443 10.0.0.0/24 -oA /tmp/run/nmap/ts-nmapstage5",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cmd, err := nmap.StageCommand(nmap.StageOptions{
				Stage:         tc.given.stage,
				Ports:         "T:80,443",
				Target:        "10.0.0.0/24",
				Output:        "/tmp/run/nmap/ts-nmapstage" + string(rune('0'+tc.given.stage)),
				HostDiscovery: tc.given.discovery,
				Privileged:    tc.given.privileged,
			})
			require.NoError(t, err)
			require.Equal(t, tc.then, cmd)
		})
	}
}

func TestStageCommand_Fail(t *testing.T) {
	t.Parallel()

	_, err := nmap.StageCommand(nmap.StageOptions{Stage: 6, Ports: "T:1", Target: "h", Output: "o"})
	require.Error(t, err)
	_, err = nmap.StageCommand(nmap.StageOptions{Stage: 1, Target: "h", Output: "o"})
	require.Error(t, err)
}

func TestHostCommands(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"/usr/bin/nmap -n -sn -T4 192.168.1.0/24 -oA '/tmp/my project/nmap/x'",
		nmap.DiscoveryCommand("/usr/bin/nmap", "192.168.1.0/24", "/tmp/my project/nmap/x"),
	)
	require.Equal(t,
		"nmap -n -sL 10.0.0.1-5 -oA out",
		nmap.ListCommand("", "10.0.0.1-5", "out"),
	)
	require.Equal(t, `'it'\''s'`, nmap.Quote("it's"))
	require.Equal(t, "''", nmap.Quote(""))
}
