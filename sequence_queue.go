package courier

import (
	"container/heap"
	"sync"
)

// buffers messages that arrived ahead of the next expected sequence number.
// ordered by sequenceNumber, keyed by both messageId and sequenceNumber.
type sequenceQueue struct {
	orderedItems []*sequenceItem
	maxHeap      *sequenceQueueMaxHeap
	// message_id -> item
	messageIdItems      map[Id]*sequenceItem
	sequenceNumberItems map[uint64]*sequenceItem
	byteCount           int64
	stateLock           sync.Mutex
}

type sequenceItem struct {
	message *Message

	// the index of the item in the heap
	heapIndex int
	// the index of the item in the max heap
	maxHeapIndex int
}

func newSequenceQueue() *sequenceQueue {
	sequenceQueue := &sequenceQueue{
		orderedItems:        []*sequenceItem{},
		maxHeap:             newSequenceQueueMaxHeap(),
		messageIdItems:      map[Id]*sequenceItem{},
		sequenceNumberItems: map[uint64]*sequenceItem{},
		byteCount:           0,
	}
	heap.Init(sequenceQueue)
	return sequenceQueue
}

func (self *sequenceQueue) QueueSize() (int, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

func (self *sequenceQueue) Add(message *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.messageIdItems[message.MessageId]; ok {
		// already buffered
		return
	}
	if _, ok := self.sequenceNumberItems[message.SequenceNumber]; ok {
		// already buffered
		return
	}
	item := &sequenceItem{
		message: message,
	}
	self.messageIdItems[message.MessageId] = item
	self.sequenceNumberItems[message.SequenceNumber] = item
	heap.Push(self, item)
	heap.Push(self.maxHeap, item)
	self.byteCount += int64(len(message.Content))
}

func (self *sequenceQueue) ContainsSequenceNumber(sequenceNumber uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.sequenceNumberItems[sequenceNumber]
	return ok
}

func (self *sequenceQueue) RemoveBySequenceNumber(sequenceNumber uint64) *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.sequenceNumberItems[sequenceNumber]
	if !ok {
		return nil
	}
	return self.remove(item)
}

func (self *sequenceQueue) remove(item *sequenceItem) *Message {
	delete(self.messageIdItems, item.message.MessageId)
	delete(self.sequenceNumberItems, item.message.SequenceNumber)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	heap.Remove(self.maxHeap, item.maxHeapIndex)
	self.byteCount -= int64(len(item.message.Content))
	return item.message
}

func (self *sequenceQueue) RemoveFirst() *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}

	item := heap.Remove(self, 0).(*sequenceItem)
	heap.Remove(self.maxHeap, item.maxHeapIndex)
	delete(self.messageIdItems, item.message.MessageId)
	delete(self.sequenceNumberItems, item.message.SequenceNumber)
	self.byteCount -= int64(len(item.message.Content))
	return item.message
}

func (self *sequenceQueue) PeekFirst() *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0].message
}

func (self *sequenceQueue) PeekLast() *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := self.maxHeap.PeekFirst()
	if item == nil {
		return nil
	}
	return item.message
}

// heap.Interface

func (self *sequenceQueue) Push(x any) {
	item := x.(*sequenceItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sequenceQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sequenceQueue) Len() int {
	return len(self.orderedItems)
}

func (self *sequenceQueue) Less(i int, j int) bool {
	return self.orderedItems[i].message.SequenceNumber < self.orderedItems[j].message.SequenceNumber
}

func (self *sequenceQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

// ordered by sequenceNumber descending
type sequenceQueueMaxHeap struct {
	orderedItems []*sequenceItem
}

func newSequenceQueueMaxHeap() *sequenceQueueMaxHeap {
	sequenceQueueMaxHeap := &sequenceQueueMaxHeap{
		orderedItems: []*sequenceItem{},
	}
	heap.Init(sequenceQueueMaxHeap)
	return sequenceQueueMaxHeap
}

func (self *sequenceQueueMaxHeap) PeekFirst() *sequenceItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// heap.Interface

func (self *sequenceQueueMaxHeap) Push(x any) {
	item := x.(*sequenceItem)
	item.maxHeapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sequenceQueueMaxHeap) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sequenceQueueMaxHeap) Len() int {
	return len(self.orderedItems)
}

func (self *sequenceQueueMaxHeap) Less(i int, j int) bool {
	return self.orderedItems[j].message.SequenceNumber <= self.orderedItems[i].message.SequenceNumber
}

func (self *sequenceQueueMaxHeap) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.maxHeapIndex = i
	self.orderedItems[i] = b
	a.maxHeapIndex = j
	self.orderedItems[j] = a
}
