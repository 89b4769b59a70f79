// Package app resolves the active project and its stored config for CLI
// commands. The workspace database is the source of truth; the default
// config seeds a project the first time a command touches it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sceneforge/internal/config"
	"sceneforge/internal/domain"
	"sceneforge/internal/repo"
)

func ResolveProjectAndConfig(ctx context.Context, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	seedCfg := config.Default(projectID)

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed project config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// createProject inserts a minimal project row so first use of a workspace
// does not require a separate create step.
func createProject(ctx context.Context, r repo.Repo, projectID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	p := domain.Project{ID: projectID, Name: projectID, CreatedAt: now, UpdatedAt: now}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}
