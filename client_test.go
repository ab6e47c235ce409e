package courier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func registerTestClient(t *testing.T, remote *fakeRemote, seed string) *Client {
	signer := NewLocalSignerFromSeed([]byte(seed))
	client, err := Register(context.Background(), signer, &ClientConfig{
		EncryptionKey: testEncryptionKey(),
		Transport:     newFakeTransport(remote),
	})
	assert.Equal(t, err, nil)
	return client
}

func TestClientRegisterAndSend(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()
	bob := registerTestClient(t, remote, "bob")
	defer bob.Close()

	assert.Equal(t, DeriveInboxId(alice.Address()), alice.InboxId())
	assert.NotEqual(t, alice.InboxId(), bob.InboxId())

	handle, err := alice.Conversations().NewGroup(ctx, &GroupOptions{
		Name: "launch",
	}, []InboxId{bob.InboxId()})
	assert.Equal(t, err, nil)

	// the creation committed and activated on sync
	conversation, err := handle.Record(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, ConversationActive, conversation.State)
	assert.Equal(t, KindGroup, conversation.Kind)
	assert.Equal(t, "launch", conversation.Name)

	members, err := handle.Members(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(members))

	message, err := handle.Send(ctx, "hello bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, uint64(1), message.SequenceNumber)
	assert.Equal(t, DeliveryPublished, message.DeliveryStatus)
	assert.Equal(t, alice.InboxId(), message.SenderInboxId)

	// the other installation converges through sync
	bobConversations, err := bob.Conversations().List(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(bobConversations))

	bobHandle := bob.Conversations().Handle(handle.ConversationId())
	bobMessages, err := bobHandle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(bobMessages))
	assert.Equal(t, "hello bob", string(bobMessages[0].Content))

	content, err := bobHandle.DecodeContent(bobMessages[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, "hello bob", content)
}

func TestClientDirectConversation(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()
	bob := registerTestClient(t, remote, "bob")
	defer bob.Close()

	handle, err := alice.Conversations().NewDirect(ctx, bob.InboxId())
	assert.Equal(t, err, nil)

	conversation, err := handle.Record(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, KindDirect, conversation.Kind)
	assert.Equal(t, bob.InboxId(), conversation.PeerInboxId)

	members, err := handle.Members(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(members))
}

func TestClientMembershipFlow(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()
	bob := registerTestClient(t, remote, "bob")
	defer bob.Close()
	carol := registerTestClient(t, remote, "carol")
	defer carol.Close()

	handle, err := alice.Conversations().NewGroup(ctx, nil, []InboxId{bob.InboxId()})
	assert.Equal(t, err, nil)
	conversationId := handle.ConversationId()

	// bob is a plain member and cannot add
	bobHandle := bob.Conversations().Handle(conversationId)
	_, err = bobHandle.Members(ctx)
	assert.Equal(t, err, nil)
	err = bobHandle.AddMember(ctx, carol.InboxId())
	var permissionErr *PermissionError
	assert.Equal(t, true, errors.As(err, &permissionErr))
	assert.Equal(t, bob.InboxId(), permissionErr.ActorInboxId)

	// the rejection never reached the remote log
	remote.stateLock.Lock()
	entryCount := len(remote.entries[conversationId])
	remote.stateLock.Unlock()
	assert.Equal(t, 3, entryCount)

	// promoted to admin and synced, bob can add
	err = handle.AddAdmin(ctx, bob.InboxId())
	assert.Equal(t, err, nil)
	_, err = bob.Sync(ctx)
	assert.Equal(t, err, nil)
	err = bobHandle.AddMember(ctx, carol.InboxId())
	assert.Equal(t, err, nil)

	members, err := handle.Members(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(members))

	// the sole super admin cannot demote itself
	err = handle.RemoveAdmin(ctx, alice.InboxId())
	assert.Equal(t, true, errors.As(err, &permissionErr))

	// removal converges everywhere after a sync
	err = handle.RemoveMember(ctx, carol.InboxId())
	assert.Equal(t, err, nil)
	_, err = bob.Sync(ctx)
	assert.Equal(t, err, nil)
	bobMembers, err := bobHandle.Members(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(bobMembers))
}

func TestClientBoundedStaleness(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()

	otherDevice := testInboxId(7)

	handle, err := alice.Conversations().NewGroup(ctx, nil, nil)
	assert.Equal(t, err, nil)
	conversationId := handle.ConversationId()

	_, err = handle.Send(ctx, "from here")
	assert.Equal(t, err, nil)
	remote.appendMessage(conversationId, otherDevice, "from elsewhere")

	// the send marked the conversation dirty, so the read syncs first
	messages, err := handle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(messages))

	// a clean read does not refetch
	remote.appendMessage(conversationId, otherDevice, "not yet visible")
	messages, err = handle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(messages))

	// an explicit sync catches up
	_, err = alice.Sync(ctx)
	assert.Equal(t, err, nil)
	messages, err = handle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 3, len(messages))
}

func TestClientSendKeepsEarlierPeerMessages(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()

	otherDevice := testInboxId(9)

	handle, err := alice.Conversations().NewGroup(ctx, nil, nil)
	assert.Equal(t, err, nil)
	conversationId := handle.ConversationId()

	// a peer message commits at an earlier log position than the send
	remote.appendMessage(conversationId, otherDevice, "first in the log")

	sent, err := handle.Send(ctx, "second in the log")
	assert.Equal(t, err, nil)
	assert.Equal(t, uint64(2), sent.SequenceNumber)

	// the send did not move the cursor past the unapplied peer position, so
	// the dirty read pulls both messages in order
	messages, err := handle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(messages))
	assert.Equal(t, "first in the log", string(messages[0].Content))
	assert.Equal(t, otherDevice, messages[0].SenderInboxId)
	assert.Equal(t, "second in the log", string(messages[1].Content))
	assert.Equal(t, alice.InboxId(), messages[1].SenderInboxId)
}

func TestClientReactionContent(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()

	handle, err := alice.Conversations().NewGroup(ctx, nil, nil)
	assert.Equal(t, err, nil)

	text, err := handle.Send(ctx, "announcement")
	assert.Equal(t, err, nil)

	reaction := &Reaction{
		MessageId: text.MessageId,
		Emoji:     "🎉",
		Action:    "add",
	}
	sent, err := handle.Send(ctx, reaction)
	assert.Equal(t, err, nil)
	assert.Equal(t, ContentTypeReaction, sent.ContentType)

	messages, err := handle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(messages))

	decoded, err := handle.DecodeContent(messages[1])
	assert.Equal(t, err, nil)
	assert.Equal(t, reaction.Emoji, decoded.(*Reaction).Emoji)
	assert.Equal(t, reaction.MessageId, decoded.(*Reaction).MessageId)
}

func TestClientSendNetworkError(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()

	handle, err := alice.Conversations().NewGroup(ctx, nil, nil)
	assert.Equal(t, err, nil)

	remote.setFailNetwork(errors.New("connection reset"))
	_, err = handle.Send(ctx, "lost")
	var networkErr *NetworkError
	assert.Equal(t, true, errors.As(err, &networkErr))

	// the failed send left no record behind
	remote.setFailNetwork(nil)
	messages, err := handle.Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(messages))
}

func TestClientDurableStore(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()
	storePath := filepath.Join(t.TempDir(), "courier.db")
	key := testEncryptionKey()

	signer := NewLocalSignerFromSeed([]byte("alice"))

	client, err := Register(ctx, signer, &ClientConfig{
		EncryptionKey: key,
		StorePath:     storePath,
		Transport:     newFakeTransport(remote),
	})
	assert.Equal(t, err, nil)
	installationId := client.InstallationId()

	handle, err := client.Conversations().NewGroup(ctx, &GroupOptions{Name: "durable"}, nil)
	assert.Equal(t, err, nil)
	_, err = handle.Send(ctx, "persisted")
	assert.Equal(t, err, nil)
	conversationId := handle.ConversationId()
	client.Close()

	// the installation id and the cache survive a restart
	reopened, err := Register(ctx, signer, &ClientConfig{
		EncryptionKey: key,
		StorePath:     storePath,
		Transport:     newFakeTransport(remote),
	})
	assert.Equal(t, err, nil)
	defer reopened.Close()
	assert.Equal(t, installationId, reopened.InstallationId())

	messages, err := reopened.Conversations().Handle(conversationId).Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "persisted", string(messages[0].Content))
}

func TestClientWrongStoreKey(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()
	storePath := filepath.Join(t.TempDir(), "courier.db")

	signer := NewLocalSignerFromSeed([]byte("alice"))

	client, err := Register(ctx, signer, &ClientConfig{
		EncryptionKey: []byte("the right key"),
		StorePath:     storePath,
		Transport:     newFakeTransport(remote),
	})
	assert.Equal(t, err, nil)
	client.Close()

	_, err = Register(ctx, signer, &ClientConfig{
		EncryptionKey: []byte("the wrong key"),
		StorePath:     storePath,
		Transport:     newFakeTransport(remote),
	})
	var decryptionErr *DecryptionError
	assert.Equal(t, true, errors.As(err, &decryptionErr))
}

func TestClientSubscription(t *testing.T) {
	remote := newFakeRemote()
	ctx := context.Background()

	alice := registerTestClient(t, remote, "alice")
	defer alice.Close()
	bob := registerTestClient(t, remote, "bob")
	defer bob.Close()

	handle, err := alice.Conversations().NewGroup(ctx, nil, []InboxId{bob.InboxId()})
	assert.Equal(t, err, nil)
	conversationId := handle.ConversationId()

	// bob follows the conversation live
	_, err = bob.Sync(ctx)
	assert.Equal(t, err, nil)

	events := make(chan *StreamEvent, 8)
	subscription, err := bob.Conversations().Handle(conversationId).Subscribe(func(event *StreamEvent) {
		events <- event
	})
	assert.Equal(t, err, nil)
	defer subscription.Cancel()

	_, err = handle.Send(ctx, "live")
	assert.Equal(t, err, nil)

	event := receiveEvent(t, events)
	assert.Equal(t, StreamMessage, event.Type)
	assert.Equal(t, "live", string(event.Message.Content))
	assert.Equal(t, alice.InboxId(), event.Message.SenderInboxId)

	// the stream delivery is durable without a sync
	messages, err := bob.Conversations().Handle(conversationId).Messages(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(messages))
}
