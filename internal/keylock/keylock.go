// Package keylock はキーごとの排他ロックを提供する。使用中でなくなったキーの状態は削除する。
package keylock

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker はキーごとの排他ロック。ゼロ値は使えないため New で生成する。
type Locker struct {
	entries *xsync.MapOf[string, *entry]
}

// New はLockerを生成する。
func New() *Locker {
	return &Locker{entries: xsync.NewMapOf[string, *entry]()}
}

// Lock はキーのロックを取り、解放する関数を返す。
func (l *Locker) Lock(key string) (unlock func()) {
	e, _ := l.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, false
	})
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
			if !loaded {
				return nil, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// Len は保持しているキーの数を返す。
func (l *Locker) Len() int {
	return l.entries.Size()
}
