package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

var metaInstallationKey = []byte("installation_id")

// composes the signer adapter, encrypted store, sync engine, and stream
// multiplexer into the public surface.
// every read path requires at least one sync since the last relevant
// mutation, so staleness is bounded and explicit.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	config *ClientConfig
	signer Signer

	session        string
	address        Address
	inboxId        InboxId
	installationId InstallationId

	store     *EncryptedStore
	records   *records
	transport RemoteTransport
	engine    *SyncEngine
	mux       *StreamMultiplexer
	codecs    *codecRegistry

	stateLock sync.Mutex
	synced    bool
	dirty     map[Id]bool
}

// registers the identity's installation with the platform and opens the
// local cache. the challenge signature request is cancellable through ctx.
func Register(ctx context.Context, signer Signer, config *ClientConfig) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	settings := config.settings()

	kv, err := config.openKv()
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			kv.Close()
		}
	}()

	installationId, err := loadOrCreateInstallationId(kv)
	if err != nil {
		return nil, err
	}

	store, err := NewEncryptedStore(kv, installationId, config.EncryptionKey)
	if err != nil {
		// a key mismatch surfaces here as a DecryptionError, before any
		// data is readable
		return nil, err
	}

	transport := config.Transport
	api := (*CourierApi)(nil)
	if transport == nil {
		api = NewCourierApi(ctx, config.apiUrl(), config.feedUrl())
		api.feedSettings = settings.FeedSettings
		transport = api
	}

	address := signer.Address()
	challenge, err := transport.AuthChallenge(ctx, address)
	if err != nil {
		return nil, err
	}
	signature, err := signer.SignChallenge(ctx, challenge)
	if err != nil {
		return nil, err
	}

	login := &AuthLoginArgs{
		Address:            address,
		ChallengeSignature: signature,
		InstallationId:     installationId,
	}
	if reporter, ok := signer.(ChainIdReporter); ok {
		chainId := reporter.ChainId()
		login.ChainId = &chainId
	}
	loginResult, err := transport.AuthLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	if api != nil {
		api.SetSession(loginResult.Session)
	}

	inboxId := loginResult.InboxId
	if claims, err := ParseSessionUnverified(loginResult.Session); err == nil {
		if (claims.InboxId != InboxId{}) {
			inboxId = claims.InboxId
		}
	}
	if (inboxId == InboxId{}) {
		return nil, newAuthError("login", errors.New("no inbox id in login result"))
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	clientRecords := newRecords(store)
	client := &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		config:         config,
		signer:         signer,
		session:        loginResult.Session,
		address:        address,
		inboxId:        inboxId,
		installationId: installationId,
		store:          store,
		records:        clientRecords,
		transport:      transport,
		engine:         NewSyncEngine(clientRecords, transport),
		mux:            NewStreamMultiplexerWithSettings(cancelCtx, clientRecords, transport, settings.MultiplexerSettings),
		codecs:         newCodecRegistry(config.Codecs),
		dirty:          map[Id]bool{},
	}

	success = true
	glog.V(1).Infof("[client]registered inbox=%s installation=%s\n", inboxId, installationId)
	return client, nil
}

func loadOrCreateInstallationId(kv KeyValueStore) (InstallationId, error) {
	value, ok, err := kv.Get(tableMeta, metaInstallationKey)
	if err != nil {
		return InstallationId{}, err
	}
	if ok {
		return ParseInstallationId(string(value))
	}
	installationId := NewInstallationId()
	if err := kv.Put(tableMeta, metaInstallationKey, []byte(installationId.String())); err != nil {
		return InstallationId{}, err
	}
	return installationId, nil
}

func (self *Client) InboxId() InboxId {
	return self.inboxId
}

func (self *Client) InstallationId() InstallationId {
	return self.installationId
}

func (self *Client) Address() Address {
	return self.address
}

func (self *Client) Close() {
	self.cancel()
	self.store.Close()
	if api, ok := self.transport.(*CourierApi); ok {
		api.Close()
	}
}

func (self *Client) Sync(ctx context.Context) (*SyncResult, error) {
	result, err := self.engine.Sync(ctx)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	self.synced = true
	self.dirty = map[Id]bool{}
	self.stateLock.Unlock()

	return result, nil
}

func (self *Client) SyncConversation(ctx context.Context, conversationId Id) (*SyncResult, error) {
	result, err := self.engine.SyncConversation(ctx, conversationId)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	delete(self.dirty, conversationId)
	self.stateLock.Unlock()

	return result, nil
}

func (self *Client) markDirty(conversationId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dirty[conversationId] = true
}

// read paths call this so that a mutation is always followed by a sync
// before its conversation is read
func (self *Client) ensureSynced(ctx context.Context) error {
	self.stateLock.Lock()
	stale := !self.synced || 0 < len(self.dirty)
	self.stateLock.Unlock()

	if !stale {
		return nil
	}
	_, err := self.Sync(ctx)
	return err
}

func (self *Client) ensureConversationSynced(ctx context.Context, conversationId Id) error {
	self.stateLock.Lock()
	synced := self.synced
	dirty := self.dirty[conversationId]
	self.stateLock.Unlock()

	if !synced {
		_, err := self.Sync(ctx)
		return err
	}
	if dirty {
		_, err := self.SyncConversation(ctx, conversationId)
		return err
	}
	return nil
}

// subscribes to live updates for all conversations
func (self *Client) Subscribe(listener StreamListener) (*StreamSubscription, error) {
	return self.mux.Subscribe(ScopeAll(), listener)
}

type Conversations struct {
	client *Client
}

func (self *Client) Conversations() *Conversations {
	return &Conversations{
		client: self,
	}
}

func (self *Conversations) List(ctx context.Context) ([]*Conversation, error) {
	if err := self.client.ensureSynced(ctx); err != nil {
		return nil, err
	}
	return self.client.records.ListConversations()
}

func (self *Conversations) Get(ctx context.Context, conversationId Id) (*Conversation, error) {
	if err := self.client.ensureConversationSynced(ctx, conversationId); err != nil {
		return nil, err
	}
	conversation, ok, err := self.client.records.GetConversation(conversationId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown conversation: %s", conversationId)
	}
	return conversation, nil
}

func (self *Conversations) Handle(conversationId Id) *ConversationHandle {
	return &ConversationHandle{
		client:         self.client,
		conversationId: conversationId,
	}
}

func (self *Conversations) NewDirect(ctx context.Context, peerInboxId InboxId) (*ConversationHandle, error) {
	return self.create(ctx, &CreateConversationArgs{
		Kind:        KindDirect.String(),
		PeerInboxId: peerInboxId,
	})
}

type GroupOptions struct {
	Name        string
	Description string
	ImageUrl    string
}

func (self *Conversations) NewGroup(ctx context.Context, options *GroupOptions, members []InboxId) (*ConversationHandle, error) {
	create := &CreateConversationArgs{
		Kind:    KindGroup.String(),
		Members: members,
	}
	if options != nil {
		create.Name = options.Name
		create.Description = options.Description
		create.ImageUrl = options.ImageUrl
	}
	return self.create(ctx, create)
}

func (self *Conversations) create(ctx context.Context, create *CreateConversationArgs) (*ConversationHandle, error) {
	client := self.client

	result, err := client.transport.CreateConversation(ctx, create)
	if err != nil {
		return nil, err
	}

	kind, err := parseConversationKind(create.Kind)
	if err != nil {
		return nil, err
	}

	// forming until the next sync observes the remote commit
	conversation := &Conversation{
		ConversationId: result.ConversationId,
		Kind:           kind,
		State:          ConversationForming,
		CreatedAt:      result.CreatedAt,
		Name:           create.Name,
		Description:    create.Description,
		ImageUrl:       create.ImageUrl,
		CreatorInboxId: client.inboxId,
		PeerInboxId:    create.PeerInboxId,
	}
	if err := client.records.PutConversation(conversation); err != nil {
		return nil, err
	}
	client.markDirty(result.ConversationId)

	if _, err := client.SyncConversation(ctx, result.ConversationId); err != nil {
		// the creation is committed remotely. activation happens on a later
		// sync if this one was transient.
		glog.Infof("[client]create sync error = %s\n", err)
	}

	return self.Handle(result.ConversationId), nil
}

type ConversationHandle struct {
	client         *Client
	conversationId Id
}

func (self *ConversationHandle) ConversationId() Id {
	return self.conversationId
}

func (self *ConversationHandle) Record(ctx context.Context) (*Conversation, error) {
	return self.client.Conversations().Get(ctx, self.conversationId)
}

// encodes content with a registered codec and submits it to the remote log.
// the committed message is written locally at its assigned sequence number,
// so a following stream event or sync for the same sequence is a no-op.
func (self *ConversationHandle) Send(ctx context.Context, content any) (*Message, error) {
	var contentType string
	switch content.(type) {
	case string:
		contentType = ContentTypeText
	case *Reaction:
		contentType = ContentTypeReaction
	default:
		return nil, fmt.Errorf("no content type for %T, use SendWithContentType", content)
	}
	return self.SendWithContentType(ctx, contentType, content)
}

func (self *ConversationHandle) SendWithContentType(ctx context.Context, contentType string, content any) (*Message, error) {
	client := self.client

	contentBytes, err := client.codecs.Encode(contentType, content)
	if err != nil {
		return nil, err
	}

	result, err := client.transport.SendMessage(ctx, &SendMessageArgs{
		ConversationId: self.conversationId,
		MessageId:      NewId(),
		ContentType:    contentType,
		Content:        contentBytes,
	})
	if err != nil {
		return nil, err
	}

	message := &Message{
		MessageId:      result.MessageId,
		ConversationId: self.conversationId,
		SenderInboxId:  client.inboxId,
		SentAt:         result.SentAt,
		SequenceNumber: result.SequenceNumber,
		ContentType:    contentType,
		Content:        contentBytes,
		DeliveryStatus: DeliveryPublished,
	}
	ok, err := client.records.HasMessage(self.conversationId, result.SequenceNumber)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := client.records.PutMessage(message); err != nil {
			return nil, err
		}
	}
	// the cursor is not advanced here. entries committed by other inboxes at
	// earlier positions may not be applied yet, and the cursor only ever moves
	// over applied entries. the next sync re-fetches the own message and the
	// sequence-keyed upsert makes that a no-op.
	client.markDirty(self.conversationId)

	return message, nil
}

func (self *ConversationHandle) Messages(ctx context.Context) ([]*Message, error) {
	if err := self.client.ensureConversationSynced(ctx, self.conversationId); err != nil {
		return nil, err
	}
	return self.client.records.ListMessages(self.conversationId)
}

func (self *ConversationHandle) DecodeContent(message *Message) (any, error) {
	return self.client.codecs.Decode(message.ContentType, message.Content)
}

func (self *ConversationHandle) Members(ctx context.Context) ([]*Member, error) {
	if err := self.client.ensureConversationSynced(ctx, self.conversationId); err != nil {
		return nil, err
	}
	return self.client.records.ListMembers(self.conversationId)
}

func (self *ConversationHandle) Subscribe(listener StreamListener) (*StreamSubscription, error) {
	return self.client.mux.Subscribe(ScopeConversation(self.conversationId), listener)
}

func (self *ConversationHandle) AddMember(ctx context.Context, inboxId InboxId) error {
	return self.updateMembership(ctx, &MembershipChange{
		Op:      MembershipAdd,
		InboxId: inboxId,
		Role:    RoleMember,
	})
}

func (self *ConversationHandle) RemoveMember(ctx context.Context, inboxId InboxId) error {
	return self.updateMembership(ctx, &MembershipChange{
		Op:      MembershipRemove,
		InboxId: inboxId,
	})
}

func (self *ConversationHandle) AddAdmin(ctx context.Context, inboxId InboxId) error {
	return self.updateMembership(ctx, &MembershipChange{
		Op:      MembershipPromote,
		InboxId: inboxId,
		Role:    RoleAdmin,
	})
}

func (self *ConversationHandle) AddSuperAdmin(ctx context.Context, inboxId InboxId) error {
	return self.updateMembership(ctx, &MembershipChange{
		Op:      MembershipPromote,
		InboxId: inboxId,
		Role:    RoleSuperAdmin,
	})
}

func (self *ConversationHandle) RemoveAdmin(ctx context.Context, inboxId InboxId) error {
	return self.updateMembership(ctx, &MembershipChange{
		Op:      MembershipDemote,
		InboxId: inboxId,
		Role:    RoleMember,
	})
}

// validates against the local roster snapshot first for fast feedback, then
// submits to the remote log. the next sync is authoritative.
func (self *ConversationHandle) updateMembership(ctx context.Context, change *MembershipChange) error {
	client := self.client

	members, err := client.records.ListMembers(self.conversationId)
	if err != nil {
		return err
	}
	roster := NewRoster(members)
	if err := roster.Validate(client.inboxId, change); err != nil {
		// no network call
		return err
	}

	if err := client.transport.UpdateMembership(ctx, self.conversationId, change); err != nil {
		return err
	}
	client.markDirty(self.conversationId)
	return nil
}
