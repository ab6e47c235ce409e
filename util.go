package courier

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"
)

// makes a copy of the list on get so that callers can fan out without holding the lock.
// listeners are functions, which are not comparable, so entries are keyed by an
// increasing id instead of by value.
type CallbackList[T any] struct {
	stateLock sync.Mutex
	nextId    int
	order     []int
	callbacks map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		order:     []int{},
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]T, 0, len(self.order))
	for _, callbackId := range self.order {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.order = append(self.order, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, orderedId := range self.order {
		if orderedId == callbackId {
			self.order = append(self.order[:i], self.order[i+1:]...)
			break
		}
	}
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.order)
}

// all caller callbacks are invoked through this wrapper so that a panicking
// listener cannot take down the feed pump or a sequence loop
func handleCallback(f func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[cb]unexpected callback error: %v\n%s", r, string(debug.Stack()))
		}
	}()
	f()
}
