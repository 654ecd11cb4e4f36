package service

import (
	"context"
	"fmt"
	"os"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/store"
)

// Service is an opened project: its job store and the supervisor
// running jobs of that store.
type Service struct {
	Config     model.Config
	Store      *store.Jobs
	Supervisor *Supervisor
}

// Open creates the project folders, opens the job store and builds the
// supervisor.
func Open(ctx context.Context, config model.Config) (*Service, error) {
	if config.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", config.Version)
	}
	for _, dir := range []string{config.Project.Running, config.Project.Output} {
		if dir == "" {
			return nil, fmt.Errorf("project folders are not set")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating project folder: %w", err)
		}
	}

	jobs, err := store.Open(ctx, config.Project.Database)
	if err != nil {
		return nil, err
	}
	supervisor, err := NewSupervisor(ctx, config, jobs)
	if err != nil {
		_ = jobs.Close()
		return nil, err
	}
	return &Service{
		Config:     config,
		Store:      jobs,
		Supervisor: supervisor,
	}, nil
}

func (s *Service) Close() error {
	return s.Store.Close()
}
