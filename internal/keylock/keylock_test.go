package keylock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := New()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("p1")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	l := New()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := l.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
}

func TestLock_ReleasedKeysArePruned(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("p1")
			unlock()
		}()
	}
	wg.Wait()
	unlock := l.Lock("p2")
	assert.Equal(t, 1, l.Len())
	unlock()
	assert.Equal(t, 0, l.Len())
}
