package candiag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"can0", "vcan0", "loop0"}, dedupe([]string{"can0", "vcan0", "can0", "loop0", "vcan0"}))
	assert.Empty(t, dedupe(nil))
}

func TestSocketCANNamesScansSysfs(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"can0", "vcan0", "vcan1", "eth0", "lo"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, n), 0o755))
	}
	old := sysClassNet
	sysClassNet = dir
	t.Cleanup(func() { sysClassNet = old })

	names := socketCANNames(context.Background())
	assert.Subset(t, names, []string{"can0", "vcan0", "vcan1"})
	assert.NotContains(t, names, "eth0")
	assert.NotContains(t, names, "lo")
	assert.Equal(t, names, dedupe(names))
}

func TestDiscoverInterfacesOrderAndDedupe(t *testing.T) {
	bus := &fakeBus{}
	failing := namedVariant("broken", "broken")
	failing.Discover = func(ctx context.Context) ([]string, error) {
		return nil, assert.AnError
	}
	dup := namedVariant("dup", "dup")
	dup.Discover = func(ctx context.Context) ([]string, error) {
		return []string{"fake1", "dup0"}, nil
	}
	m := newTestManager(t,
		fakeVariant(func(channel string) *fakeDriver { return &fakeDriver{bus: bus} }),
		failing,
		namedVariant("silent", "silent"),
		dup,
	)
	assert.Equal(t, []string{"fake0", "fake1", "dup0"}, m.DiscoverInterfaces(context.Background()))
}

func TestDiscoverInterfacesBoundedByContext(t *testing.T) {
	slow := namedVariant("slow", "slow")
	slow.Discover = func(ctx context.Context) ([]string, error) {
		time.Sleep(time.Second)
		return []string{"slow0"}, nil
	}
	m := newTestManager(t, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Nil(t, m.DiscoverInterfaces(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
