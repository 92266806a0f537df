package rate

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) logr.Logger {
	return testr.NewWithOptions(t, testr.Options{Verbosity: 8})
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryStore_Limited(t *testing.T) {
	const cost = 1
	c := Config{
		Rate:   1,
		Period: 10 * time.Second,
		Burst:  12,
	}
	st := newMemoryStore(c, newTestLogger(t))
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	st.now = clock.now

	for i := 0; i < c.Burst; i++ {
		res, err := st.Take(context.Background(), "key-1", cost)
		assert.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, c.Burst-i-1, res.Remaining)
		assert.Equal(t, 0.0, res.RetryAfter.Seconds())
	}
	// no remaining burst capacity
	res, err := st.Take(context.Background(), "key-1", cost)
	assert.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.InDelta(t, c.intervalSec(), res.RetryAfter.Seconds(), 0.01, res.RetryAfter)

	// different key
	res, err = st.Take(context.Background(), "key-2", cost)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, c.Burst-1, res.Remaining)
	assert.Equal(t, 0.0, res.RetryAfter.Seconds())
}

func TestMemoryStore_Refill(t *testing.T) {
	const cost = 1
	c := Config{
		Rate:   1,
		Period: 100 * time.Millisecond,
		Burst:  1,
	}
	st := newMemoryStore(c, newTestLogger(t))
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	st.now = clock.now

	res, err := st.Take(context.Background(), "key", cost)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 0.0, res.RetryAfter.Seconds())

	res, err = st.Take(context.Background(), "key", cost)
	assert.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// wait refill
	clock.t = clock.t.Add(res.RetryAfter + time.Millisecond)
	res, err = st.Take(context.Background(), "key", cost)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 0.0, res.RetryAfter.Seconds())
}

func TestMemoryStore_Sweep(t *testing.T) {
	c := Config{
		Rate:   1,
		Period: time.Second,
		Burst:  2,
	}
	st := newMemoryStore(c, newTestLogger(t))
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	st.now = clock.now

	for _, key := range []string{"a", "b", "c"} {
		_, err := st.Take(context.Background(), key, 1)
		require.NoError(t, err)
	}
	assert.Len(t, st.data, 3)

	clock.t = clock.t.Add(time.Minute)
	_, err := st.Take(context.Background(), "d", 1)
	require.NoError(t, err)
	assert.Len(t, st.data, 1)
}

func TestRedisStore_Parse(t *testing.T) {
	st := &redisStore{burst: 5, logger: newTestLogger(t)}

	res, err := st.parse("k", []interface{}{"true", int64(3), "0", "1.5"})
	require.NoError(t, err)
	assert.Equal(t, &Result{
		Allowed:    true,
		Limit:      5,
		Remaining:  3,
		RetryAfter: 0,
		ResetAfter: 1500 * time.Millisecond,
	}, res)

	res, err = st.parse("k", []interface{}{"false", int64(0), "0.25", "2"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)

	_, err = st.parse("k", []interface{}{"true"})
	assert.Error(t, err)
	_, err = st.parse("k", []interface{}{"maybe", int64(0), "0", "0"})
	assert.Error(t, err)
}

func TestRedisStore_MatchesMemoryStore(t *testing.T) {
	mr := miniredis.RunT(t)
	c := Config{
		Enable:    true,
		StoreType: storeTypeRedis,
		Redis:     &RedisStoreConfig{Address: mr.Addr()},
		Rate:      1,
		Period:    time.Hour,
		Burst:     2,
	}
	rs := newRedisStore(c, newTestLogger(t))
	defer func() { _ = rs.Close() }()
	ms := newMemoryStore(c, newTestLogger(t))

	t0 := time.Unix(1700000000, 0)
	clock := &fakeClock{t: t0}
	ms.now = clock.now
	advance := func(d time.Duration) {
		clock.t = clock.t.Add(d)
		mr.SetTime(clock.t)
		mr.FastForward(d)
	}
	advance(0)

	type step struct {
		after      time.Duration
		allowed    bool
		remaining  int
		retryAfter time.Duration
	}
	steps := []step{
		{allowed: true, remaining: 1},
		{allowed: true, remaining: 0},
		{allowed: false, remaining: 0, retryAfter: time.Hour},
		{after: time.Hour, allowed: true, remaining: 0},
		{allowed: false, remaining: 0, retryAfter: time.Hour},
		{after: 2 * time.Hour, allowed: true, remaining: 1},
	}
	ctx := context.Background()
	for i, s := range steps {
		advance(s.after)
		want, err := ms.Take(ctx, "client", 1)
		require.NoError(t, err)
		got, err := rs.Take(ctx, "client", 1)
		require.NoError(t, err, "step %d", i)

		assert.Equal(t, s.allowed, want.Allowed, "memory step %d", i)
		assert.Equal(t, s.remaining, want.Remaining, "memory step %d", i)
		assert.Equal(t, s.retryAfter, want.RetryAfter, "memory step %d", i)

		assert.Equal(t, want.Allowed, got.Allowed, "redis step %d", i)
		assert.Equal(t, want.Remaining, got.Remaining, "redis step %d", i)
		assert.Equal(t, want.RetryAfter, got.RetryAfter, "redis step %d", i)
		assert.Equal(t, want.ResetAfter, got.ResetAfter, "redis step %d", i)
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(Config{}, newTestLogger(t))
	res, err := l.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NoError(t, l.Close())

	w := httptest.NewRecorder()
	SetRateLimitHTTPHeaders(w, res)
	assert.Empty(t, w.Header())

	l = NewLimiter(Config{Enable: true, StoreType: storeTypeMemory, Rate: 1, Period: time.Hour, Burst: 1}, newTestLogger(t))
	res, err = l.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = l.Take(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	w = httptest.NewRecorder()
	SetRateLimitHTTPHeaders(w, res)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit-Requests"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining-Requests"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-RetryAfter"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestClientKey(t *testing.T) {
	tcs := []struct {
		name    string
		proxies []string
		remote  string
		fwd     []string
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "no port", remote: "10.0.0.1", want: "10.0.0.1"},
		{name: "untrusted peer ignores forwarded", remote: "203.0.113.9:5555", fwd: []string{"1.2.3.4"}, want: "203.0.113.9"},
		{name: "trusted peer", proxies: []string{"10.0.0.0/8"}, remote: "10.0.0.1:5555", fwd: []string{"1.2.3.4"}, want: "1.2.3.4"},
		{name: "spoofed left-most entry", proxies: []string{"10.0.0.1"}, remote: "10.0.0.1:5555", fwd: []string{"6.6.6.6, 1.2.3.4"}, want: "1.2.3.4"},
		{name: "proxy chain", proxies: []string{"10.0.0.0/8"}, remote: "10.0.0.1:5555", fwd: []string{"1.2.3.4, 10.0.0.7", "10.0.0.8"}, want: "1.2.3.4"},
		{name: "only proxies", proxies: []string{"10.0.0.0/8"}, remote: "10.0.0.1:5555", fwd: []string{"10.0.0.7"}, want: "10.0.0.1"},
		{name: "trusted peer without header", proxies: []string{"10.0.0.1"}, remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "ipv6 peer", proxies: []string{"::1"}, remote: "[::1]:5555", fwd: []string{"2001:db8::1"}, want: "2001:db8::1"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLimiter(Config{TrustedProxies: tc.proxies}, newTestLogger(t))
			r := httptest.NewRequest("GET", "/analyze", nil)
			r.RemoteAddr = tc.remote
			for _, v := range tc.fwd {
				r.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tc.want, l.ClientKey(r))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tcs := []struct {
		name    string
		c       Config
		wantErr bool
	}{
		{name: "disabled", c: Config{}},
		{name: "memory", c: Config{Enable: true, StoreType: "memory", Rate: 1, Period: time.Second, Burst: 1}},
		{name: "default store", c: Config{Enable: true, Rate: 1, Period: time.Second, Burst: 1}},
		{name: "redis without address", c: Config{Enable: true, StoreType: "redis", Redis: &RedisStoreConfig{}, Rate: 1, Period: time.Second, Burst: 1}, wantErr: true},
		{name: "redis nil", c: Config{Enable: true, StoreType: "redis", Rate: 1, Period: time.Second, Burst: 1}, wantErr: true},
		{name: "unknown store", c: Config{Enable: true, StoreType: "disk", Rate: 1, Period: time.Second, Burst: 1}, wantErr: true},
		{name: "zero rate", c: Config{Enable: true, Period: time.Second, Burst: 1}, wantErr: true},
		{name: "zero burst", c: Config{Enable: true, Rate: 1, Period: time.Second}, wantErr: true},
		{name: "trusted proxies", c: Config{Enable: true, Rate: 1, Period: time.Second, Burst: 1, TrustedProxies: []string{"10.0.0.1", "192.168.0.0/16", "::1"}}},
		{name: "invalid trusted proxy", c: Config{Enable: true, Rate: 1, Period: time.Second, Burst: 1, TrustedProxies: []string{"proxy.local"}}, wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
