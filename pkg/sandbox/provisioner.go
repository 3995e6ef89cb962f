package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/rs/zerolog/log"
)

const workDirToken = "{workdir}"

// Runtime is a provisioned execution environment
type Runtime struct {
	ID        string
	ProjectID string
	WorkDir   string

	// Command is the fully wrapped interactive shell
	Command []string
	Env     []string
}

// Provisioner creates and destroys execution environments
type Provisioner interface {
	Provision(ctx context.Context, spec types.SandboxSpec) (*Runtime, error)
	Destroy(ctx context.Context, rt *Runtime) error
}

// LocalProvisioner gives each project a working directory on the host.
// Isolation comes from the optional command wrapper (bwrap, nsjail, runsc do).
type LocalProvisioner struct {
	rootDir string
}

func NewLocalProvisioner(rootDir string) *LocalProvisioner {
	return &LocalProvisioner{rootDir: rootDir}
}

func validProjectID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`+"\x00")
}

func (p *LocalProvisioner) Provision(ctx context.Context, spec types.SandboxSpec) (*Runtime, error) {
	workDir, err := prepareWorkDir(ctx, p.rootDir, spec)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		ID:        common.GenerateID("sbx"),
		ProjectID: spec.ProjectID,
		WorkDir:   workDir,
		Command:   wrapCommand(spec.Wrapper, spec.Shell, workDir),
		Env:       buildEnv(os.Getenv("PATH"), spec.Env, workDir),
	}

	log.Info().
		Str("project_id", spec.ProjectID).
		Str("sandbox_id", rt.ID).
		Str("work_dir", workDir).
		Msg("sandbox provisioned")

	return rt, nil
}

// prepareWorkDir resets the project working directory on the host
func prepareWorkDir(ctx context.Context, rootDir string, spec types.SandboxSpec) (string, error) {
	if !validProjectID(spec.ProjectID) {
		return "", common.Permanent(&types.ErrPathInvalid{Path: spec.ProjectID, Reason: "invalid project id"})
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	workDir := spec.WorkDir
	if workDir == "" {
		workDir = filepath.Join(rootDir, spec.ProjectID)
	}

	// Start from an empty tree; the canonical store rehydrates it
	if err := os.RemoveAll(workDir); err != nil {
		return "", fmt.Errorf("clean workdir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", workDir, err)
	}
	return workDir, nil
}

func (p *LocalProvisioner) Destroy(ctx context.Context, rt *Runtime) error {
	if rt == nil || rt.WorkDir == "" {
		return nil
	}
	if err := os.RemoveAll(rt.WorkDir); err != nil {
		return fmt.Errorf("remove workdir: %w", err)
	}
	return nil
}

func wrapCommand(wrapper, shell []string, workDir string) []string {
	if len(shell) == 0 {
		shell = []string{"/bin/sh"}
	}
	cmd := make([]string, 0, len(wrapper)+len(shell))
	for _, arg := range wrapper {
		cmd = append(cmd, strings.ReplaceAll(arg, workDirToken, workDir))
	}
	return append(cmd, shell...)
}

func buildEnv(pathEnv string, extra map[string]string, workDir string) []string {
	env := []string{
		"PATH=" + pathEnv,
		"HOME=" + workDir,
		"PWD=" + workDir,
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+strings.ReplaceAll(extra[k], workDirToken, workDir))
	}
	return env
}
