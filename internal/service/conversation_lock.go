package service

import "sync"

// ConversationLocker 是按会话 ID 分片的互斥锁，用于在进程内串行化同一会话的写操作。
// 不同会话之间互不阻塞；无人持有时条目会被回收。
type ConversationLocker struct {
	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversationLocker 创建一个 ConversationLocker。
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{locks: make(map[string]*conversationLock)}
}

// Lock 获取指定会话的锁，返回释放函数。
func (l *ConversationLocker) Lock(conversationID string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[conversationID]
	if !ok {
		entry = &conversationLock{}
		l.locks[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, conversationID)
			}
			l.mu.Unlock()
		})
	}
}

func (l *ConversationLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
