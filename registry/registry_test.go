package registry_test

import (
	"context"
	"testing"

	"github.com/fixturelab/clusterharness/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseHostsAreUnique(t *testing.T) {
	r := registry.New("127.104")
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		host, err := r.LeaseHost(ctx)
		require.NoError(t, err)
		assert.False(t, seen[host], "host %s leased twice", host)
		seen[host] = true
	}
}

func TestReleasedHostNotReusedWhileFreshRemain(t *testing.T) {
	// An address that identified a removed server must not identify a new
	// one within the same run, so fresh addresses win over released ones.
	r := registry.New("127.104")
	ctx := context.Background()

	first, err := r.LeaseHost(ctx)
	require.NoError(t, err)
	require.NoError(t, r.ReleaseHost(first))

	next, err := r.LeaseHost(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestReleasedHostsReusedOnExhaustion(t *testing.T) {
	r := registry.New("127.104")
	ctx := context.Background()

	var first string
	for i := 0; i < 0xfffe; i++ {
		host, err := r.LeaseHost(ctx)
		require.NoError(t, err)
		if i == 0 {
			first = host
		}
	}

	_, err := r.LeaseHost(ctx)
	require.Error(t, err)

	require.NoError(t, r.ReleaseHost(first))
	reused, err := r.LeaseHost(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, reused)

	_, err = r.LeaseHost(ctx)
	require.Error(t, err)
}

func TestReleaseUnknownHost(t *testing.T) {
	r := registry.New("127.104")
	err := r.ReleaseHost("127.104.0.1")
	require.Error(t, err)
}
