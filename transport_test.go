package courier

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// in-memory remote conversation log. any number of fake transports share one
// remote, which models several installations talking to the same platform.
type fakeRemote struct {
	stateLock sync.Mutex

	position      uint64
	sequences     map[Id]uint64
	conversations map[Id]*RemoteConversation
	members       map[Id]map[InboxId]*Member
	entries       map[Id][]*LogEntry

	feeds []*fakeFeed
	// when false, appended entries are not pushed to open feeds and the test
	// drives delivery order by hand
	livePush bool

	failNetwork error

	fetchEntriesCount   int
	fetchEntriesGate    chan struct{}
	fetchEntriesEntered chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		sequences:     map[Id]uint64{},
		conversations: map[Id]*RemoteConversation{},
		members:       map[Id]map[InboxId]*Member{},
		entries:       map[Id][]*LogEntry{},
		feeds:         []*fakeFeed{},
		livePush:      true,
	}
}

func (self *fakeRemote) setFailNetwork(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failNetwork = err
}

// callers must hold the state lock
func (self *fakeRemote) append(entry *LogEntry) *LogEntry {
	self.position += 1
	entry.Position = self.position
	self.entries[entry.ConversationId] = append(self.entries[entry.ConversationId], entry)
	if self.livePush {
		self.pushToFeeds(entry)
	}
	return entry
}

// callers must hold the state lock
func (self *fakeRemote) pushToFeeds(entry *LogEntry) {
	for _, feed := range self.feeds {
		if feed.scope.all || feed.scope.conversationId == entry.ConversationId {
			feed.push(entry)
		}
	}
}

func (self *fakeRemote) createConversation(kind ConversationKind, creator InboxId, name string) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.createConversationLocked(&CreateConversationArgs{
		Kind: kind.String(),
		Name: name,
	}, creator)
}

// callers must hold the state lock
func (self *fakeRemote) createConversationLocked(create *CreateConversationArgs, creator InboxId) Id {
	conversationId := NewId()
	remote := &RemoteConversation{
		ConversationId: conversationId,
		Kind:           create.Kind,
		CreatedAt:      time.Now(),
		Active:         true,
		Name:           create.Name,
		Description:    create.Description,
		ImageUrl:       create.ImageUrl,
		CreatorInboxId: creator,
		PeerInboxId:    create.PeerInboxId,
	}
	self.conversations[conversationId] = remote
	self.members[conversationId] = map[InboxId]*Member{}
	self.append(&LogEntry{
		ConversationId: conversationId,
		Kind:           entryKindConversation,
		Conversation:   remote,
	})

	self.applyMembershipLocked(conversationId, &MembershipChange{
		Op:      MembershipAdd,
		InboxId: creator,
		Role:    RoleSuperAdmin,
	}, creator)
	if (create.PeerInboxId != InboxId{}) {
		self.applyMembershipLocked(conversationId, &MembershipChange{
			Op:      MembershipAdd,
			InboxId: create.PeerInboxId,
			Role:    RoleMember,
		}, creator)
	}
	for _, inboxId := range create.Members {
		self.applyMembershipLocked(conversationId, &MembershipChange{
			Op:      MembershipAdd,
			InboxId: inboxId,
			Role:    RoleMember,
		}, creator)
	}
	return conversationId
}

// callers must hold the state lock
func (self *fakeRemote) applyMembershipLocked(conversationId Id, change *MembershipChange, actor InboxId) *LogEntry {
	members := self.members[conversationId]
	if members == nil {
		members = map[InboxId]*Member{}
		self.members[conversationId] = members
	}
	switch change.Op {
	case MembershipRemove:
		delete(members, change.InboxId)
	default:
		members[change.InboxId] = &Member{
			ConversationId: conversationId,
			InboxId:        change.InboxId,
			Role:           change.Role,
			AddedAt:        time.Now(),
		}
	}
	return self.append(&LogEntry{
		ConversationId: conversationId,
		Kind:           entryKindMembership,
		Membership: &MembershipEntry{
			Op:           change.Op,
			InboxId:      change.InboxId,
			Role:         change.Role,
			ActorInboxId: actor,
		},
	})
}

func (self *fakeRemote) appendMembership(conversationId Id, change *MembershipChange, actor InboxId) *LogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.applyMembershipLocked(conversationId, change, actor)
}

func (self *fakeRemote) appendMessage(conversationId Id, sender InboxId, content string) *LogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.appendMessageLocked(conversationId, sender, NewId(), ContentTypeText, []byte(content))
}

// callers must hold the state lock
func (self *fakeRemote) appendMessageLocked(conversationId Id, sender InboxId, messageId Id, contentType string, content []byte) *LogEntry {
	sequenceNumber := self.sequences[conversationId] + 1
	self.sequences[conversationId] = sequenceNumber
	return self.append(&LogEntry{
		ConversationId: conversationId,
		Kind:           entryKindMessage,
		Message: &MessageEntry{
			MessageId:      messageId,
			SenderInboxId:  sender,
			SentAt:         time.Now(),
			SequenceNumber: sequenceNumber,
			ContentType:    contentType,
			Content:        content,
		},
	})
}

func (self *fakeRemote) appendRemoved(conversationId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if remote, ok := self.conversations[conversationId]; ok {
		remote.Active = false
	}
	self.append(&LogEntry{
		ConversationId: conversationId,
		Kind:           entryKindRemoved,
	})
}

func (self *fakeRemote) lastFeed() *fakeFeed {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.feeds) == 0 {
		return nil
	}
	return self.feeds[len(self.feeds)-1]
}

func (self *fakeRemote) feedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.feeds)
}

// one per installation
type fakeTransport struct {
	remote    *fakeRemote
	inboxId   InboxId
	lastLogin *AuthLoginArgs
}

func newFakeTransport(remote *fakeRemote) *fakeTransport {
	return &fakeTransport{
		remote: remote,
	}
}

func (self *fakeTransport) AuthChallenge(ctx context.Context, address Address) ([]byte, error) {
	challenge := make([]byte, 32)
	rand.Read(challenge)
	return challenge, nil
}

func (self *fakeTransport) AuthLogin(ctx context.Context, login *AuthLoginArgs) (*AuthLoginResult, error) {
	self.lastLogin = login
	self.inboxId = DeriveInboxId(login.Address)
	return &AuthLoginResult{
		Session: mintSession(login.Address, login.InstallationId),
		InboxId: self.inboxId,
	}, nil
}

func (self *fakeTransport) FetchConversations(ctx context.Context, sincePosition uint64) (*ConversationDeltas, error) {
	self.remote.stateLock.Lock()
	defer self.remote.stateLock.Unlock()

	if self.remote.failNetwork != nil {
		return nil, newNetworkError("fetch_conversations", self.remote.failNetwork)
	}

	deltas := &ConversationDeltas{
		Position: self.remote.position,
	}
	for _, remote := range self.remote.conversations {
		deltas.Conversations = append(deltas.Conversations, remote)
	}
	return deltas, nil
}

func (self *fakeTransport) FetchEntries(ctx context.Context, conversationId Id, sincePosition uint64) ([]*LogEntry, error) {
	self.remote.stateLock.Lock()
	self.remote.fetchEntriesCount += 1
	gate := self.remote.fetchEntriesGate
	entered := self.remote.fetchEntriesEntered
	fail := self.remote.failNetwork
	self.remote.stateLock.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if fail != nil {
		return nil, newNetworkError("fetch_entries", fail)
	}

	self.remote.stateLock.Lock()
	defer self.remote.stateLock.Unlock()

	entries := []*LogEntry{}
	for _, entry := range self.remote.entries[conversationId] {
		if sincePosition < entry.Position {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (self *fakeTransport) SendMessage(ctx context.Context, send *SendMessageArgs) (*SendMessageResult, error) {
	self.remote.stateLock.Lock()
	defer self.remote.stateLock.Unlock()

	if self.remote.failNetwork != nil {
		return nil, newNetworkError("send_message", self.remote.failNetwork)
	}

	entry := self.remote.appendMessageLocked(send.ConversationId, self.inboxId, send.MessageId, send.ContentType, send.Content)
	return &SendMessageResult{
		MessageId:      send.MessageId,
		SequenceNumber: entry.Message.SequenceNumber,
		Position:       entry.Position,
		SentAt:         entry.Message.SentAt,
	}, nil
}

func (self *fakeTransport) CreateConversation(ctx context.Context, create *CreateConversationArgs) (*CreateConversationResult, error) {
	self.remote.stateLock.Lock()
	defer self.remote.stateLock.Unlock()

	if self.remote.failNetwork != nil {
		return nil, newNetworkError("create_conversation", self.remote.failNetwork)
	}

	conversationId := self.remote.createConversationLocked(create, self.inboxId)
	return &CreateConversationResult{
		ConversationId: conversationId,
		CreatedAt:      self.remote.conversations[conversationId].CreatedAt,
	}, nil
}

func (self *fakeTransport) UpdateMembership(ctx context.Context, conversationId Id, change *MembershipChange) error {
	self.remote.stateLock.Lock()
	defer self.remote.stateLock.Unlock()

	if self.remote.failNetwork != nil {
		return newNetworkError("update_membership", self.remote.failNetwork)
	}

	// the remote lattice check is authoritative
	members := []*Member{}
	for _, member := range self.remote.members[conversationId] {
		members = append(members, member)
	}
	if err := NewRoster(members).Validate(self.inboxId, change); err != nil {
		return err
	}

	self.remote.applyMembershipLocked(conversationId, change, self.inboxId)
	return nil
}

func (self *fakeTransport) Subscribe(ctx context.Context, scope Scope) (Feed, error) {
	self.remote.stateLock.Lock()
	defer self.remote.stateLock.Unlock()

	if self.remote.failNetwork != nil {
		return nil, newNetworkError("subscribe", self.remote.failNetwork)
	}

	feed := newFakeFeed(scope)
	self.remote.feeds = append(self.remote.feeds, feed)
	return feed, nil
}

type fakeFeed struct {
	scope  Scope
	events chan *LogEntry

	stateLock  sync.Mutex
	closed     bool
	closeCount int
	err        error
}

func newFakeFeed(scope Scope) *fakeFeed {
	return &fakeFeed{
		scope:  scope,
		events: make(chan *LogEntry, 128),
	}
}

func (self *fakeFeed) Events() <-chan *LogEntry {
	return self.events
}

func (self *fakeFeed) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.err
}

func (self *fakeFeed) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closeCount += 1
	if self.closed {
		return
	}
	self.closed = true
	close(self.events)
}

func (self *fakeFeed) push(entry *LogEntry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	select {
	case self.events <- entry:
	default:
	}
}

func (self *fakeFeed) closedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.closeCount
}

// drops the feed as a network failure would
func (self *fakeFeed) fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.err = newNetworkError("feed", err)
	self.closed = true
	close(self.events)
}

func mintSession(address Address, installationId InstallationId) string {
	claims := gojwt.MapClaims{
		"inbox_id":        DeriveInboxId(address).String(),
		"installation_id": installationId.String(),
		"address":         address.String(),
		"exp":             time.Now().Add(time.Hour).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	session, err := token.SignedString([]byte("fake remote signing secret"))
	if err != nil {
		panic(err)
	}
	return session
}

func newTestRecords() *records {
	store, err := NewEncryptedStore(NewMemoryStore(), NewInstallationId(), testEncryptionKey())
	if err != nil {
		panic(err)
	}
	return newRecords(store)
}

func testEncryptionKey() []byte {
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

func testInboxId(tag byte) InboxId {
	var inboxId InboxId
	inboxId[0] = tag
	inboxId[31] = tag
	return inboxId
}
