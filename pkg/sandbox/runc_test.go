package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/beam-cloud/airsync/pkg/types"
	runc "github.com/beam-cloud/go-runc"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunc struct {
	created  []string
	started  []string
	killed   []int
	deleted  []string
	startErr error
}

func (f *fakeRunc) Create(ctx context.Context, id, bundle string, opts *runc.CreateOpts) error {
	if _, err := os.Stat(filepath.Join(bundle, "config.json")); err != nil {
		return err
	}
	f.created = append(f.created, id)
	return nil
}

func (f *fakeRunc) Start(ctx context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRunc) Kill(ctx context.Context, id string, sig int, opts *runc.KillOpts) error {
	f.killed = append(f.killed, sig)
	return nil
}

func (f *fakeRunc) Delete(ctx context.Context, id string, opts *runc.DeleteOpts) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newRuncProvisionerForTest(t *testing.T) (*RuncProvisioner, *fakeRunc) {
	t.Helper()
	p := NewRuncProvisioner(t.TempDir(), types.RuncConfig{
		Rootfs:    "/var/lib/airsync/rootfs",
		BundleDir: t.TempDir(),
		StateRoot: "/run/test-runc",
	})
	fake := &fakeRunc{}
	p.runtime = fake
	return p, fake
}

func findMount(spec *specs.Spec, dest string) *specs.Mount {
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == dest {
			return &spec.Mounts[i]
		}
	}
	return nil
}

func TestGenerateSpec(t *testing.T) {
	spec := GenerateSpec(types.RuncConfig{
		Rootfs:      "/images/base",
		UID:         1000,
		GID:         1000,
		CPU:         500,
		Memory:      512 << 20,
		MaxOpenFile: 1024,
		MaxProcs:    256,
	}, types.SandboxSpec{
		ProjectID: "p1",
		Env:       map[string]string{"TERM": "xterm-256color", "CACHE": "{workdir}/.cache"},
	}, "sbx-1", "/srv/sandboxes/p1")

	assert.Equal(t, "sbx-1", spec.Hostname)
	assert.Equal(t, "/images/base", spec.Root.Path)
	assert.True(t, spec.Root.Readonly)

	assert.Equal(t, "/workspace", spec.Process.Cwd)
	assert.Equal(t, uint32(1000), spec.Process.User.UID)
	assert.Equal(t, uint32(1000), spec.Process.User.GID)
	assert.True(t, spec.Process.NoNewPrivileges)
	assert.Contains(t, spec.Process.Env, "HOME=/workspace")
	assert.Contains(t, spec.Process.Env, "TERM=xterm-256color")
	assert.Contains(t, spec.Process.Env, "CACHE=/workspace/.cache")

	work := findMount(spec, "/workspace")
	require.NotNil(t, work)
	assert.Equal(t, "bind", work.Type)
	assert.Equal(t, "/srv/sandboxes/p1", work.Source)
	assert.Equal(t, []string{"rbind", "rw"}, work.Options)
	assert.NotNil(t, findMount(spec, "/proc"))
	assert.NotNil(t, findMount(spec, "/dev/pts"))
	assert.NotNil(t, findMount(spec, "/tmp"))

	assert.Equal(t, []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: 256, Soft: 256},
	}, spec.Process.Rlimits)

	require.NotNil(t, spec.Linux.Resources.CPU)
	assert.Equal(t, int64(50000), *spec.Linux.Resources.CPU.Quota)
	assert.Equal(t, uint64(100000), *spec.Linux.Resources.CPU.Period)
	require.NotNil(t, spec.Linux.Resources.Memory)
	assert.Equal(t, int64(512<<20), *spec.Linux.Resources.Memory.Limit)

	assert.Contains(t, spec.Linux.Namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
}

func TestGenerateSpec_Unlimited(t *testing.T) {
	spec := GenerateSpec(types.RuncConfig{Rootfs: "/images/base", HostNetwork: true, WorkDir: "/home/dev"}, types.SandboxSpec{ProjectID: "p1"}, "sbx-2", "/tmp/p1")

	assert.Empty(t, spec.Process.Rlimits)
	assert.Nil(t, spec.Linux.Resources.CPU)
	assert.Nil(t, spec.Linux.Resources.Memory)
	assert.NotContains(t, spec.Linux.Namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	assert.Equal(t, "/home/dev", spec.Process.Cwd)
	assert.NotNil(t, findMount(spec, "/home/dev"))
}

func TestRuncProvisioner_ProvisionAndDestroy(t *testing.T) {
	p, fake := newRuncProvisionerForTest(t)

	rt, err := p.Provision(context.Background(), types.SandboxSpec{
		ProjectID: "p1",
		Shell:     []string{"/bin/bash", "-i"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{rt.ID}, fake.created)
	assert.Equal(t, []string{rt.ID}, fake.started)
	assert.DirExists(t, rt.WorkDir)
	assert.Equal(t, []string{"runc", "--root", "/run/test-runc", "exec", "-t", "--cwd", "/workspace", rt.ID, "/bin/bash", "-i"}, rt.Command)

	data, err := os.ReadFile(filepath.Join(p.cfg.BundleDir, rt.ID, "config.json"))
	require.NoError(t, err)
	var written specs.Spec
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, rt.WorkDir, findMount(&written, "/workspace").Source)

	require.NoError(t, p.Destroy(context.Background(), rt))
	assert.Equal(t, []int{int(syscall.SIGKILL)}, fake.killed)
	assert.Equal(t, []string{rt.ID}, fake.deleted)
	assert.NoDirExists(t, rt.WorkDir)
	assert.NoDirExists(t, filepath.Join(p.cfg.BundleDir, rt.ID))
}

func TestRuncProvisioner_StartFailureCleansUp(t *testing.T) {
	p, fake := newRuncProvisionerForTest(t)
	fake.startErr = errors.New("exec format error")

	_, err := p.Provision(context.Background(), types.SandboxSpec{ProjectID: "p1"})
	require.Error(t, err)
	require.Len(t, fake.created, 1)
	assert.Equal(t, fake.created, fake.deleted)
	assert.NoDirExists(t, filepath.Join(p.cfg.BundleDir, fake.created[0]))
}

func TestNewProvisioner_SelectsRuntime(t *testing.T) {
	p, err := NewProvisioner(types.SandboxConfig{RootDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalProvisioner{}, p)

	p, err = NewProvisioner(types.SandboxConfig{Runtime: types.SandboxRuntimeRunc, Runc: types.RuncConfig{Rootfs: "/images/base"}})
	require.NoError(t, err)
	assert.IsType(t, &RuncProvisioner{}, p)

	_, err = NewProvisioner(types.SandboxConfig{Runtime: types.SandboxRuntimeRunc})
	assert.Error(t, err)

	_, err = NewProvisioner(types.SandboxConfig{Runtime: "firecracker"})
	assert.Error(t, err)
}
