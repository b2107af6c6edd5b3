package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoads(t *testing.T) {
	c := Default()
	require.Greater(t, c.Len(), 10)

	e, ok := c.Lookup("kubernetes_pod_crashloop")
	require.True(t, ok)
	assert.Equal(t, "high", e.Severity)
	assert.Contains(t, e.Steps[0], "kubectl logs")
}

func TestMatchFirstDeclaredWins(t *testing.T) {
	first, err := NewEntry("first", "disk", "a")
	require.NoError(t, err)
	second, err := NewEntry("second", "disk.*full", "b")
	require.NoError(t, err)

	e, ok := New(first, second).Match("the disk is full")
	require.True(t, ok)
	assert.Equal(t, Key("first"), e.Key)

	e, ok = New(second, first).Match("the disk is full")
	require.True(t, ok)
	assert.Equal(t, Key("second"), e.Key)
}

func TestMatchIsCaseInsensitiveSubstring(t *testing.T) {
	e, ok := Default().Match("kubelet: pod web-0 crashloopbackoff again")
	require.True(t, ok)
	assert.Equal(t, Key("kubernetes_pod_crashloop"), e.Key)

	e, ok = Default().Match("gv0: Split-Brain detected on brick node2:/data")
	require.True(t, ok)
	assert.Equal(t, Key("glusterfs_split_brain"), e.Key)

	e, ok = Default().Match("write failed: No space left on device")
	require.True(t, ok)
	assert.Equal(t, Key("ubuntu_os_disk_full"), e.Key)
}

func TestMatchNone(t *testing.T) {
	_, ok := Default().Match("totally unrelated text")
	assert.False(t, ok)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	_, err := Load(strings.NewReader("entries:\n  - key: a\n    pattern: \"(\"\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("entries:\n  - key: a\n    pattern: x\n  - key: a\n    pattern: y\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("entries:\n  - pattern: x\n"))
	assert.Error(t, err)
}

func TestEntriesIsACopy(t *testing.T) {
	c := Default()
	entries := c.Entries()
	entries[0].Key = "mutated"
	assert.NotEqual(t, Key("mutated"), c.Entries()[0].Key)
}
