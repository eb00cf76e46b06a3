package dns

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(local func(context.Context, string) ([]string, error), public func(context.Context, string, string) ([]string, error)) *Resolver {
	r := NewResolver()
	r.Local = local
	r.Public = public
	return r
}

func TestLookup_PrefersLocalIPv4(t *testing.T) {
	r := newTestResolver(
		func(context.Context, string) ([]string, error) {
			return []string{"2001:db8::1", "192.0.2.10"}, nil
		},
		func(context.Context, string, string) ([]string, error) {
			t.Fatal("public DNS queried")
			return nil, nil
		},
	)

	ip, err := r.Lookup(context.Background(), "hub.example")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip)
}

func TestLookup_FallsBackToPublic(t *testing.T) {
	r := newTestResolver(
		func(context.Context, string) ([]string, error) { return nil, errors.New("no route") },
		func(_ context.Context, _, server string) ([]string, error) {
			if server == "9.9.9.9" {
				return []string{"198.51.100.7"}, nil
			}
			return nil, errors.New("refused")
		},
	)

	ip, err := r.Lookup(context.Background(), "hub.example")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip)
}

func TestLookup_AllFail(t *testing.T) {
	r := newTestResolver(
		func(context.Context, string) ([]string, error) { return nil, errors.New("no route") },
		func(context.Context, string, string) ([]string, error) { return nil, errors.New("refused") },
	)

	_, err := r.Lookup(context.Background(), "hub.example")
	assert.ErrorContains(t, err, "public DNS servers failed")
}

func TestLookup_CachesAndServesStale(t *testing.T) {
	var calls atomic.Int32
	fail := atomic.Bool{}
	r := newTestResolver(
		func(context.Context, string) ([]string, error) {
			calls.Add(1)
			if fail.Load() {
				return nil, errors.New("offline")
			}
			return []string{"192.0.2.1"}, nil
		},
		func(context.Context, string, string) ([]string, error) { return nil, errors.New("offline") },
	)
	now := time.Unix(0, 0)
	r.now = func() time.Time { return now }

	for range 3 {
		ip, err := r.Lookup(context.Background(), "hub.example")
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.1", ip)
	}
	assert.EqualValues(t, 1, calls.Load())

	now = now.Add(cacheTTL + time.Second)
	fail.Store(true)
	ip, err := r.Lookup(context.Background(), "hub.example")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", ip)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLookup_IPLiteral(t *testing.T) {
	r := newTestResolver(nil, nil)
	ip, err := r.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}
