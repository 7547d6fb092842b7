package docker

import (
	"strings"
	"testing"

	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SFSLiveBoot/LiveBootUtils/internal/runtime"
)

func TestBuildLabels_AlwaysManaged(t *testing.T) {
	labels := buildLabels(map[string]string{runtime.LabelPID: "42"})
	assert.Equal(t, "true", labels[runtime.LabelManaged])
	assert.Equal(t, "42", labels[runtime.LabelPID])
}

func TestBuildLabels_Nil(t *testing.T) {
	labels := buildLabels(nil)
	assert.Len(t, labels, 1)
}

func TestBuildMounts_Binds(t *testing.T) {
	mounts := buildMounts(runtime.CreateOpts{
		Binds: []runtime.Bind{
			{Source: "/var/cache/lbu/rebuild/x/destdir", Target: "destdir"},
			{Source: "/opt/LiveBootUtils", Target: "/opt/LiveBootUtils", ReadOnly: true},
		},
	})
	require.Len(t, mounts, 3)

	assert.Equal(t, mount.TypeBind, mounts[0].Type)
	assert.Equal(t, "/destdir", mounts[0].Target)
	assert.False(t, mounts[0].ReadOnly)

	assert.Equal(t, "/opt/LiveBootUtils", mounts[1].Target)
	assert.True(t, mounts[1].ReadOnly)

	assert.Equal(t, mount.TypeTmpfs, mounts[2].Type)
	assert.Equal(t, "/run", mounts[2].Target)
	assert.Equal(t, int64(16*units.MiB), mounts[2].TmpfsOptions.SizeBytes)
}

func TestBuildMounts_ExplicitRun(t *testing.T) {
	mounts := buildMounts(runtime.CreateOpts{
		Tmpfs: []runtime.Tmpfs{
			{Target: "/tmp", SizeBytes: 512 * units.MiB},
			{Target: "/run", SizeBytes: 32 * units.MiB},
		},
	})
	require.Len(t, mounts, 2)
	assert.Equal(t, int64(32*units.MiB), mounts[1].TmpfsOptions.SizeBytes)
}

func TestEnvList_Sorted(t *testing.T) {
	env := envList(map[string]string{"TERM": "linux", "DESTDIR": "/destdir", "A": ""})
	assert.Equal(t, []string{"A=", "DESTDIR=/destdir", "TERM=linux"}, env)
}

func TestConsoleSize_NotAFile(t *testing.T) {
	assert.Nil(t, consoleSize(strings.NewReader("")))
	assert.Nil(t, consoleSize(nil))
}

func TestWriterOr(t *testing.T) {
	var sb strings.Builder
	assert.Equal(t, &sb, writerOr(&sb))
	assert.NotNil(t, writerOr(nil))
}
