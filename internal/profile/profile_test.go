package profile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgate/pkg/logx"
)

type countingLookup struct {
	calls    atomic.Int32
	profiles map[string]Profile
}

func (l *countingLookup) Get(_ context.Context, id string) (Profile, error) {
	l.calls.Add(1)
	p, ok := l.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func TestVarsNamedFieldsWin(t *testing.T) {
	t.Parallel()
	v := Vars(Profile{
		Name:          "Maria",
		TargetCountry: "Portugal",
		Attributes:    map[string]string{"client_name": "shadow", "consultant": "Rui"},
	})
	assert.Equal(t, "Maria", v["client_name"])
	assert.Equal(t, "Portugal", v["target_country"])
	assert.Equal(t, "Rui", v["consultant"])
	_, hasVisa := v["visa_type"]
	assert.False(t, hasVisa, "empty fields are omitted so placeholders stay visible")
}

func TestCachedReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	next := &countingLookup{profiles: map[string]Profile{"c1": {ID: "c1", Name: "Maria"}}}
	c := NewCached(next, rdb, time.Minute, logx.Nop())
	ctx := context.Background()

	p, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Maria", p.Name)

	p, err = c.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Maria", p.Name)
	assert.Equal(t, int32(1), next.calls.Load(), "second read must hit the cache")

	assert.True(t, mr.Exists("msgate:profile:c1"))
	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load(), "expired entry must be refetched")
}

func TestCachedMissIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewCached(&countingLookup{}, rdb, time.Minute, logx.Nop())
	_, err := c.Get(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, mr.Exists("msgate:profile:ghost"))
}

func TestCachedRedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	next := &countingLookup{profiles: map[string]Profile{"c1": {ID: "c1", Name: "Ana"}}}
	p, err := NewCached(next, rdb, time.Minute, logx.Nop()).Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", p.Name)
}

func TestDefaultsWrapsLookupError(t *testing.T) {
	t.Parallel()
	d := Defaults{Lookup: &countingLookup{}}
	_, err := d.Defaults(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)

	vars, err := Defaults{}.Defaults(context.Background(), "x")
	assert.NoError(t, err)
	assert.Nil(t, vars)
}
