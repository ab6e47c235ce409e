package courier

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// subscription scope: one conversation or all conversations
// comparable
type Scope struct {
	all            bool
	conversationId Id
}

func ScopeAll() Scope {
	return Scope{
		all: true,
	}
}

func ScopeConversation(conversationId Id) Scope {
	return Scope{
		conversationId: conversationId,
	}
}

func (self Scope) All() bool {
	return self.all
}

func (self Scope) ConversationId() Id {
	return self.conversationId
}

func (self Scope) String() string {
	if self.all {
		return "all"
	}
	return self.conversationId.String()
}

type StreamEventType int

const (
	StreamMessage StreamEventType = iota
	StreamConversation
	StreamMembership
	StreamClosed
)

func (self StreamEventType) String() string {
	switch self {
	case StreamMessage:
		return "message"
	case StreamConversation:
		return "conversation"
	case StreamMembership:
		return "membership"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(self))
	}
}

type StreamEvent struct {
	Type           StreamEventType
	ConversationId Id

	Message      *Message
	Conversation *Conversation
	Member       *Member

	// set on StreamClosed when the underlying feed dropped
	Err error
}

type StreamListener func(event *StreamEvent)

type StreamMultiplexerSettings struct {
	// buffered out-of-order messages per conversation before delivery is forced
	ReorderBufferSize int
}

func DefaultStreamMultiplexerSettings() *StreamMultiplexerSettings {
	return &StreamMultiplexerSettings{
		ReorderBufferSize: 256,
	}
}

// turns one underlying remote subscription per scope into any number of
// caller-visible feeds. the underlying subscription is ref-counted: a second
// subscribe on the same scope shares the connection, and the connection
// closes exactly once when the last subscription cancels.
type StreamMultiplexer struct {
	ctx context.Context

	records   *records
	transport RemoteTransport

	settings *StreamMultiplexerSettings

	stateLock  sync.Mutex
	generation int
	// only live feeds. a terminated or fully cancelled feed is removed, so a
	// later subscribe opens fresh rather than reusing a half-closed one.
	scopes map[Scope]*scopeFeed
}

func NewStreamMultiplexer(ctx context.Context, records *records, transport RemoteTransport) *StreamMultiplexer {
	return NewStreamMultiplexerWithSettings(ctx, records, transport, DefaultStreamMultiplexerSettings())
}

func NewStreamMultiplexerWithSettings(ctx context.Context, records *records, transport RemoteTransport, settings *StreamMultiplexerSettings) *StreamMultiplexer {
	return &StreamMultiplexer{
		ctx:       ctx,
		records:   records,
		transport: transport,
		settings:  settings,
		scopes:    map[Scope]*scopeFeed{},
	}
}

// caller-visible handle. cancel is idempotent.
type StreamSubscription struct {
	mux        *StreamMultiplexer
	scopeFeed  *scopeFeed
	callbackId int

	cancelOnce sync.Once
}

func (self *StreamSubscription) Scope() Scope {
	return self.scopeFeed.scope
}

func (self *StreamSubscription) Cancel() {
	self.cancelOnce.Do(func() {
		self.mux.unsubscribe(self.scopeFeed, self.callbackId)
	})
}

type scopeFeed struct {
	mux        *StreamMultiplexer
	scope      Scope
	generation int
	feed       Feed

	listeners *CallbackList[StreamListener]
	refCount  int
	closed    bool

	// reorder state, touched only by the pump goroutine
	nextSequence map[Id]uint64
	pending      map[Id]*sequenceQueue
}

func (self *StreamMultiplexer) Subscribe(scope Scope, listener StreamListener) (*StreamSubscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sf, ok := self.scopes[scope]
	if !ok {
		var err error
		sf, err = self.openScopeFeed(scope)
		if err != nil {
			return nil, err
		}
		self.scopes[scope] = sf
		go sf.run()
	}

	sf.refCount += 1
	callbackId := sf.listeners.Add(listener)
	glog.V(1).Infof("[mux]subscribe %s gen=%d refs=%d\n", scope, sf.generation, sf.refCount)

	return &StreamSubscription{
		mux:        self,
		scopeFeed:  sf,
		callbackId: callbackId,
	}, nil
}

// callers must hold the state lock
func (self *StreamMultiplexer) openScopeFeed(scope Scope) (*scopeFeed, error) {
	if existing, ok := self.scopes[scope]; ok && !existing.closed {
		// unreachable: subscribe only opens when the scope has no live feed
		return nil, &DuplicateStreamError{
			Scope: scope,
		}
	}

	feed, err := self.transport.Subscribe(self.ctx, scope)
	if err != nil {
		return nil, err
	}

	self.generation += 1
	return &scopeFeed{
		mux:          self,
		scope:        scope,
		generation:   self.generation,
		feed:         feed,
		listeners:    NewCallbackList[StreamListener](),
		nextSequence: map[Id]uint64{},
		pending:      map[Id]*sequenceQueue{},
	}, nil
}

func (self *StreamMultiplexer) unsubscribe(sf *scopeFeed, callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sf.listeners.Remove(callbackId)
	sf.refCount -= 1
	glog.V(1).Infof("[mux]unsubscribe %s gen=%d refs=%d\n", sf.scope, sf.generation, sf.refCount)
	if sf.refCount <= 0 && !sf.closed {
		sf.closed = true
		if self.scopes[sf.scope] == sf {
			delete(self.scopes, sf.scope)
		}
		// exactly once: feed close is itself idempotent, and closed guards
		// a second pass here
		sf.feed.Close()
	}
}

// called from the pump when the underlying feed terminates
func (self *StreamMultiplexer) retire(sf *scopeFeed) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sf.closed = true
	if self.scopes[sf.scope] == sf {
		delete(self.scopes, sf.scope)
	}
}

func (self *scopeFeed) run() {
	for entry := range self.feed.Events() {
		if err := self.handle(entry); err != nil {
			glog.Infof("[mux]%s apply error = %s\n", self.scope, err)
		}
	}

	// terminal. no auto reconnect: the drop is surfaced to every listener
	// and a later subscribe opens a fresh feed.
	self.mux.retire(self)
	err := self.feed.Err()
	glog.V(1).Infof("[mux]%s gen=%d terminal err=%v\n", self.scope, self.generation, err)
	self.fanout(&StreamEvent{
		Type: StreamClosed,
		Err:  err,
	})
}

func (self *scopeFeed) fanout(event *StreamEvent) {
	for _, listener := range self.listeners.Get() {
		listener := listener
		handleCallback(func() {
			listener(event)
		})
	}
}

func (self *scopeFeed) handle(entry *LogEntry) error {
	records := self.mux.records

	if entry.Kind != entryKindMessage {
		applied, err := applyEntry(records, entry)
		if err != nil {
			return err
		}
		// no cursor advance: the feed does not prove that every earlier
		// position is applied, so skipping ahead here could hide a message
		// from future syncs. re-applying this entry on the next sync is a
		// no-op.
		if !applied {
			return nil
		}
		return self.fanoutEntry(entry)
	}

	if entry.Message == nil {
		return fmt.Errorf("message entry without message at position %d", entry.Position)
	}
	if err := ensureConversation(records, entry); err != nil {
		return err
	}

	conversationId := entry.ConversationId
	next, ok := self.nextSequence[conversationId]
	if !ok {
		maxSequenceNumber, err := records.MaxSequenceNumber(conversationId)
		if err != nil {
			return err
		}
		next = maxSequenceNumber + 1
		self.nextSequence[conversationId] = next
	}

	sequenceNumber := entry.Message.SequenceNumber
	if sequenceNumber < next {
		// already applied by a previous event or an interleaved sync
		glog.V(2).Infof("[mux]%s drop duplicate seq=%d\n", conversationId, sequenceNumber)
		return nil
	}

	queue, ok := self.pending[conversationId]
	if !ok {
		queue = newSequenceQueue()
		self.pending[conversationId] = queue
	}
	queue.Add(messageFromEntry(entry))

	return self.drain(conversationId, queue)
}

// delivers buffered messages in sequence order. a gap filled by an
// interleaved sync is skipped without delivery; a gap that outgrows the
// reorder buffer is resolved by forcing delivery of the oldest buffered
// message.
// the sync cursor is never touched on this path. sequence contiguity does
// not prove that interleaved non-message positions are applied, so the
// cursor stays with the sync engine.
func (self *scopeFeed) drain(conversationId Id, queue *sequenceQueue) error {
	records := self.mux.records
	next := self.nextSequence[conversationId]

	for {
		first := queue.PeekFirst()
		if first == nil {
			break
		}

		if next < first.SequenceNumber {
			inStore, err := records.HasMessage(conversationId, next)
			if err != nil {
				return err
			}
			if inStore {
				// filled by a sync. the store already has it, listeners are
				// at-most-once, so advance without delivery.
				next += 1
				continue
			}
			size, _ := queue.QueueSize()
			if size <= self.mux.settings.ReorderBufferSize {
				// hold for the gap
				break
			}
			// resolve the buffer: jump to the oldest buffered message
			glog.V(1).Infof("[mux]%s force seq=%d->%d\n", conversationId, next, first.SequenceNumber)
			next = first.SequenceNumber
		}

		message := queue.RemoveFirst()
		if message.SequenceNumber < next {
			// duplicate buffered behind an advanced sequence
			continue
		}

		inStore, err := records.HasMessage(conversationId, message.SequenceNumber)
		if err != nil {
			return err
		}
		if !inStore {
			if err := records.PutMessage(message); err != nil {
				return err
			}
		}

		next = message.SequenceNumber + 1

		self.fanout(&StreamEvent{
			Type:           StreamMessage,
			ConversationId: conversationId,
			Message:        message,
		})
	}

	self.nextSequence[conversationId] = next
	return nil
}

func (self *scopeFeed) fanoutEntry(entry *LogEntry) error {
	records := self.mux.records

	switch entry.Kind {
	case entryKindMembership:
		member, ok, err := records.GetMember(entry.ConversationId, entry.Membership.InboxId)
		if err != nil {
			return err
		}
		if !ok {
			// removal
			member = &Member{
				ConversationId: entry.ConversationId,
				InboxId:        entry.Membership.InboxId,
			}
		}
		self.fanout(&StreamEvent{
			Type:           StreamMembership,
			ConversationId: entry.ConversationId,
			Member:         member,
		})
	case entryKindConversation, entryKindRemoved:
		conversation, ok, err := records.GetConversation(entry.ConversationId)
		if err != nil || !ok {
			return err
		}
		self.fanout(&StreamEvent{
			Type:           StreamConversation,
			ConversationId: entry.ConversationId,
			Conversation:   conversation,
		})
	}
	return nil
}
