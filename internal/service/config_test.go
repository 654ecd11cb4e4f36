package service_test

import (
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/service"

	"github.com/stretchr/testify/require"
)

func TestParseOverrides(t *testing.T) {
	// can't be parallel as it sets the environment
	dir := t.TempDir()
	t.Setenv("SWEEPER_PROJECT_DIR", dir)
	t.Setenv("SWEEPER_MAX_FAST_PROCESSES", "3")
	t.Setenv("SWEEPER_SCHEDULER", "false")
	t.Setenv("SWEEPER_NMAP", "/opt/nmap/bin/nmap")

	v := service.NewViper()
	v.Set("verbose", true)
	o, err := service.ParseOverrides(v)
	require.NoError(t, err)
	require.Equal(t, dir, o.ProjectDir)
	require.Equal(t, 3, o.MaxFastProcesses)
	require.NotNil(t, o.Scheduler)
	require.False(t, *o.Scheduler)

	cfg := model.DefaultConfig(t.Context())
	cfg.Project.Running = "/somewhere/else"
	cfg = o.Apply(cfg)

	require.Equal(t, filepath.Join(dir, "running"), cfg.Project.Running)
	require.Equal(t, filepath.Join(dir, "output"), cfg.Project.Output)
	require.Equal(t, filepath.Join(dir, "sweeper.db"), cfg.Project.Database)
	require.Equal(t, 3, cfg.Scheduler.MaxFastProcesses)
	require.False(t, cfg.Scheduler.Enable)
	require.Equal(t, "/opt/nmap/bin/nmap", cfg.Stages.Nmap)
	require.Equal(t, "/bin/sh", cfg.Scheduler.Shell)
	require.True(t, cfg.Service.Verbose)
}

func TestParseOverridesEmpty(t *testing.T) {
	o, err := service.ParseOverrides(service.NewViper())
	require.NoError(t, err)
	require.Nil(t, o.Scheduler)

	cfg := model.DefaultConfig(t.Context())
	require.Equal(t, cfg, o.Apply(cfg))
}
