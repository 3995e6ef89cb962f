package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/beam-cloud/airsync/pkg/common"
	"github.com/beam-cloud/airsync/pkg/types"
	runc "github.com/beam-cloud/go-runc"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const containerPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// The container init only keeps the namespaces alive; shells join it with runc exec
var containerInit = []string{"/bin/sh", "-c", "trap 'exit 0' TERM INT; while :; do sleep 3600 & wait $!; done"}

var defaultCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FSETID",
	"CAP_FOWNER",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETPCAP",
	"CAP_KILL",
	"CAP_NET_BIND_SERVICE",
	"CAP_AUDIT_WRITE",
}

// containerRuntime is the part of runc the provisioner drives
type containerRuntime interface {
	Create(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error
	Start(ctx context.Context, id string) error
	Kill(ctx context.Context, id string, sig int, opts *runc.KillOpts) error
	Delete(ctx context.Context, id string, opts *runc.DeleteOpts) error
}

// RuncProvisioner runs each project sandbox as an OCI container. The working
// directory lives on the host and is bind mounted into the container so the
// watcher and file bridge see the same tree the shells do.
type RuncProvisioner struct {
	cfg     types.RuncConfig
	rootDir string
	runtime containerRuntime
}

func NewRuncProvisioner(rootDir string, cfg types.RuncConfig) *RuncProvisioner {
	cfg = withRuncDefaults(cfg)
	return &RuncProvisioner{
		cfg:     cfg,
		rootDir: rootDir,
		runtime: &runc.Runc{Command: cfg.Binary, Root: cfg.StateRoot},
	}
}

// NewProvisioner picks the provisioner for the configured runtime
func NewProvisioner(cfg types.SandboxConfig) (Provisioner, error) {
	switch cfg.Runtime {
	case "", types.SandboxRuntimeLocal:
		return NewLocalProvisioner(cfg.RootDir), nil
	case types.SandboxRuntimeRunc:
		if cfg.Runc.Rootfs == "" {
			return nil, fmt.Errorf("sandbox runtime %q requires runc.rootfs", cfg.Runtime)
		}
		return NewRuncProvisioner(cfg.RootDir, cfg.Runc), nil
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Runtime)
	}
}

func withRuncDefaults(cfg types.RuncConfig) types.RuncConfig {
	if cfg.Binary == "" {
		cfg.Binary = "runc"
	}
	if cfg.StateRoot == "" {
		cfg.StateRoot = "/run/airsync/runc"
	}
	if cfg.BundleDir == "" {
		cfg.BundleDir = filepath.Join(os.TempDir(), "airsync", "bundles")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/workspace"
	}
	return cfg
}

func (p *RuncProvisioner) Provision(ctx context.Context, spec types.SandboxSpec) (*Runtime, error) {
	workDir, err := prepareWorkDir(ctx, p.rootDir, spec)
	if err != nil {
		return nil, err
	}
	if p.cfg.UID != 0 || p.cfg.GID != 0 {
		if err := os.Chown(workDir, int(p.cfg.UID), int(p.cfg.GID)); err != nil {
			return nil, fmt.Errorf("chown workdir: %w", err)
		}
	}

	id := common.GenerateID("sbx")
	bundle := filepath.Join(p.cfg.BundleDir, id)
	if err := os.MkdirAll(bundle, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bundle dir: %w", err)
	}

	configData, err := json.MarshalIndent(GenerateSpec(p.cfg, spec, id, workDir), "", "  ")
	if err != nil {
		os.RemoveAll(bundle)
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), configData, 0644); err != nil {
		os.RemoveAll(bundle)
		return nil, fmt.Errorf("failed to write config.json: %w", err)
	}

	if err := p.runtime.Create(ctx, id, bundle, &runc.CreateOpts{
		Detach:  true,
		PidFile: filepath.Join(bundle, "init.pid"),
	}); err != nil {
		os.RemoveAll(bundle)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.runtime.Start(ctx, id); err != nil {
		p.runtime.Delete(context.Background(), id, &runc.DeleteOpts{Force: true})
		os.RemoveAll(bundle)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	rt := &Runtime{
		ID:        id,
		ProjectID: spec.ProjectID,
		WorkDir:   workDir,
		Command:   p.execCommand(id, spec),
		Env:       []string{"PATH=" + os.Getenv("PATH")},
	}

	log.Info().
		Str("project_id", spec.ProjectID).
		Str("sandbox_id", id).
		Str("work_dir", workDir).
		Str("bundle", bundle).
		Msg("container sandbox provisioned")

	return rt, nil
}

// execCommand starts the project shell inside the running container
func (p *RuncProvisioner) execCommand(id string, spec types.SandboxSpec) []string {
	cmd := []string{p.cfg.Binary, "--root", p.cfg.StateRoot, "exec", "-t", "--cwd", p.cfg.WorkDir, id}
	return append(cmd, wrapCommand(spec.Wrapper, spec.Shell, p.cfg.WorkDir)...)
}

func (p *RuncProvisioner) Destroy(ctx context.Context, rt *Runtime) error {
	if rt == nil || rt.ID == "" {
		return nil
	}

	if err := p.runtime.Kill(ctx, rt.ID, int(syscall.SIGKILL), &runc.KillOpts{All: true}); err != nil {
		log.Warn().Err(err).Str("sandbox_id", rt.ID).Msg("container kill failed")
	}
	if err := p.runtime.Delete(ctx, rt.ID, &runc.DeleteOpts{Force: true}); err != nil {
		log.Warn().Err(err).Str("sandbox_id", rt.ID).Msg("container delete failed")
	}

	if err := os.RemoveAll(filepath.Join(p.cfg.BundleDir, rt.ID)); err != nil {
		return fmt.Errorf("remove bundle: %w", err)
	}
	if rt.WorkDir != "" {
		if err := os.RemoveAll(rt.WorkDir); err != nil {
			return fmt.Errorf("remove workdir: %w", err)
		}
	}
	return nil
}

// GenerateSpec builds the OCI runtime spec for a project container whose
// working directory is bind mounted from hostWorkDir
func GenerateSpec(cfg types.RuncConfig, sb types.SandboxSpec, containerID, hostWorkDir string) *specs.Spec {
	cfg = withRuncDefaults(cfg)

	spec := &specs.Spec{
		Version:  specs.Version,
		Hostname: containerID,
		Root: &specs.Root{
			Path:     cfg.Rootfs,
			Readonly: true,
		},
		Process: &specs.Process{
			Terminal:        false,
			User:            specs.User{UID: cfg.UID, GID: cfg.GID},
			Args:            containerInit,
			Env:             buildEnv(containerPath, sb.Env, cfg.WorkDir),
			Cwd:             cfg.WorkDir,
			NoNewPrivileges: true,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  defaultCapabilities,
				Effective: defaultCapabilities,
				Permitted: defaultCapabilities,
			},
		},
		Mounts: defaultMounts(),
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
			},
			Resources: &specs.LinuxResources{},
			MaskedPaths: []string{
				"/proc/acpi",
				"/proc/kcore",
				"/proc/keys",
				"/proc/latency_stats",
				"/proc/timer_list",
				"/proc/sched_debug",
				"/sys/firmware",
			},
			ReadonlyPaths: []string{
				"/proc/bus",
				"/proc/fs",
				"/proc/irq",
				"/proc/sys",
				"/proc/sysrq-trigger",
			},
		},
	}

	if !cfg.HostNetwork {
		spec.Linux.Namespaces = append(spec.Linux.Namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	if cfg.MaxOpenFile > 0 {
		spec.Process.Rlimits = append(spec.Process.Rlimits, specs.POSIXRlimit{
			Type: "RLIMIT_NOFILE",
			Hard: cfg.MaxOpenFile,
			Soft: cfg.MaxOpenFile,
		})
	}
	if cfg.MaxProcs > 0 {
		spec.Process.Rlimits = append(spec.Process.Rlimits, specs.POSIXRlimit{
			Type: "RLIMIT_NPROC",
			Hard: cfg.MaxProcs,
			Soft: cfg.MaxProcs,
		})
	}

	if cfg.CPU > 0 {
		period := uint64(100000)
		quota := cfg.CPU * int64(period) / 1000
		spec.Linux.Resources.CPU = &specs.LinuxCPU{
			Quota:  &quota,
			Period: &period,
		}
	}
	if cfg.Memory > 0 {
		limit := cfg.Memory
		spec.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &limit}
	}

	spec.Mounts = append(spec.Mounts,
		specs.Mount{
			Destination: cfg.WorkDir,
			Type:        "bind",
			Source:      hostWorkDir,
			Options:     []string{"rbind", "rw"},
		},
		specs.Mount{
			Destination: "/etc/resolv.conf",
			Type:        "bind",
			Source:      "/etc/resolv.conf",
			Options:     []string{"ro", "rbind", "rprivate", "nosuid", "noexec", "nodev"},
		},
	)

	return spec
}

func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"}},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
		{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=1777"}},
	}
}
