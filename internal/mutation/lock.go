package mutation

import "sync"

// keyedMutex は正準イベントIDごとの排他ロック。
// 同一イベントに対する2つの変更が同時に実行されることを防ぐ。
// 参照カウントで未使用エントリを即座に解放するため、イベント数に
// 比例してマップが成長し続けることはない。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock はkeyに対応するロックを獲得する。対になるunlock関数を返す。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
