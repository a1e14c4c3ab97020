package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_CachesUntilExpiry(t *testing.T) {
	var calls int32
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewSource(func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&calls, 1)
		return Token{Value: "tok-" + string(rune('0'+n)), ExpiresIn: time.Hour}, nil
	})
	s.SetClock(func() time.Time { return now })

	v1, err := s.Token(context.Background())
	require.NoError(t, err)
	v2, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(time.Hour)
	v3, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", v3)
}

func TestSource_ConcurrentRefreshFetchesOnce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	s := NewSource(func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Token{Value: "shared", ExpiresIn: time.Hour}, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Token(context.Background())
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestSource_ErrorIsNotCached(t *testing.T) {
	fail := true
	s := NewSource(func(ctx context.Context) (Token, error) {
		if fail {
			return Token{}, errors.New("boom")
		}
		return Token{Value: "ok", ExpiresIn: time.Hour}, nil
	})

	_, err := s.Token(context.Background())
	require.Error(t, err)

	fail = false
	v, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestSource_Invalidate(t *testing.T) {
	var calls int32
	s := NewSource(func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		return Token{Value: "v", ExpiresIn: time.Hour}, nil
	})

	_, _ = s.Token(context.Background())
	s.Invalidate()
	_, _ = s.Token(context.Background())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
