package courier

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"golang.org/x/sync/singleflight"
)

type SyncResult struct {
	SyncedConversations int
	AppliedEntries      int
}

func (self *SyncResult) merge(other *SyncResult) {
	self.SyncedConversations += other.SyncedConversations
	self.AppliedEntries += other.AppliedEntries
}

// reconciles the local cache with the remote conversation log.
// entries are applied idempotently in log order, then the cursor is advanced.
// concurrent syncs of the same conversation join the in-flight call, so no
// interleaving produces duplicate writes.
type SyncEngine struct {
	records   *records
	transport RemoteTransport

	flight singleflight.Group
}

const syncFlightConversationList = "conversation_list"

func NewSyncEngine(records *records, transport RemoteTransport) *SyncEngine {
	return &SyncEngine{
		records:   records,
		transport: transport,
	}
}

// full sync: discover new conversations and update metadata, then advance
// the cursor of every known conversation.
// a transient transport failure surfaces as a NetworkError with every cursor
// it did not reach left unchanged.
func (self *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}

	listResult, err, _ := self.flight.Do(syncFlightConversationList, func() (any, error) {
		return self.syncConversationList(ctx)
	})
	if err != nil {
		return nil, err
	}
	result.merge(listResult.(*SyncResult))

	conversations, err := self.records.ListConversations()
	if err != nil {
		return nil, err
	}
	for _, conversation := range conversations {
		if conversation.State == ConversationInactive {
			continue
		}
		conversationResult, err := self.SyncConversation(ctx, conversation.ConversationId)
		if err != nil {
			return nil, err
		}
		result.merge(conversationResult)
	}
	return result, nil
}

func (self *SyncEngine) syncConversationList(ctx context.Context) (*SyncResult, error) {
	cursor, err := self.records.GetCursor(conversationListCursorKey)
	if err != nil {
		return nil, err
	}

	deltas, err := self.transport.FetchConversations(ctx, cursor)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	for _, remote := range deltas.Conversations {
		if err := upsertRemoteConversation(self.records, remote); err != nil {
			return nil, err
		}
		result.SyncedConversations += 1
	}
	if err := self.records.AdvanceCursor(conversationListCursorKey, deltas.Position); err != nil {
		return nil, err
	}
	glog.V(1).Infof("[sync]conversation list cursor=%d conversations=%d\n", deltas.Position, len(deltas.Conversations))
	return result, nil
}

// advances one conversation. safe to call concurrently with itself (the
// second caller joins the first) and with the stream multiplexer's direct
// writes (message upsert is commutative on sequence, cursor is max-merged).
func (self *SyncEngine) SyncConversation(ctx context.Context, conversationId Id) (*SyncResult, error) {
	result, err, _ := self.flight.Do(conversationId.String(), func() (any, error) {
		return self.syncConversation(ctx, conversationId)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SyncResult), nil
}

func (self *SyncEngine) syncConversation(ctx context.Context, conversationId Id) (*SyncResult, error) {
	cursor, err := self.records.ConversationCursor(conversationId)
	if err != nil {
		return nil, err
	}

	entries, err := self.transport.FetchEntries(ctx, conversationId, cursor)
	if err != nil {
		// cursor unchanged, the caller may retry
		return nil, err
	}

	result := &SyncResult{}
	maxPosition := cursor
	for _, entry := range entries {
		if entry.Position <= cursor {
			// already applied
			continue
		}
		applied, err := applyEntry(self.records, entry)
		if err != nil {
			return nil, err
		}
		if applied {
			result.AppliedEntries += 1
		}
		if maxPosition < entry.Position {
			maxPosition = entry.Position
		}
	}

	// all entries applied, persist the new cursor
	if err := self.records.AdvanceConversationCursor(conversationId, maxPosition); err != nil {
		return nil, err
	}
	glog.V(1).Infof("[sync]%s cursor=%d->%d applied=%d\n", conversationId, cursor, maxPosition, result.AppliedEntries)
	return result, nil
}

func upsertRemoteConversation(records *records, remote *RemoteConversation) error {
	local, ok, err := records.GetConversation(remote.ConversationId)
	if err != nil {
		return err
	}
	if !ok {
		local = &Conversation{
			ConversationId: remote.ConversationId,
			CreatedAt:      remote.CreatedAt,
		}
	}

	if remote.Kind != "" {
		kind, err := parseConversationKind(remote.Kind)
		if err != nil {
			return err
		}
		local.Kind = kind
	}
	local.Name = remote.Name
	local.Description = remote.Description
	local.ImageUrl = remote.ImageUrl
	if (remote.CreatorInboxId != InboxId{}) {
		local.CreatorInboxId = remote.CreatorInboxId
	}
	if (remote.PeerInboxId != InboxId{}) {
		local.PeerInboxId = remote.PeerInboxId
	}

	// inactive is terminal locally. a forming conversation activates on its
	// first remote observation.
	if local.State != ConversationInactive {
		if remote.Active {
			local.State = ConversationActive
		} else {
			local.State = ConversationInactive
		}
	}

	return records.PutConversation(local)
}

// applies one committed log entry by upserting the referenced records.
// idempotent: re-applying an entry, in any interleaving, is a no-op.
// returns whether the entry changed the store.
func applyEntry(records *records, entry *LogEntry) (bool, error) {
	if err := ensureConversation(records, entry); err != nil {
		return false, err
	}

	switch entry.Kind {
	case entryKindMessage:
		if entry.Message == nil {
			return false, fmt.Errorf("message entry without message at position %d", entry.Position)
		}
		ok, err := records.HasMessage(entry.ConversationId, entry.Message.SequenceNumber)
		if err != nil {
			return false, err
		}
		if ok {
			// the sequence number is the sole dedup key
			return false, nil
		}
		return true, records.PutMessage(messageFromEntry(entry))
	case entryKindMembership:
		if entry.Membership == nil {
			return false, fmt.Errorf("membership entry without membership at position %d", entry.Position)
		}
		switch entry.Membership.Op {
		case MembershipRemove:
			return true, records.DeleteMember(entry.ConversationId, entry.Membership.InboxId)
		default:
			// add, promote, demote all upsert the member at the entry role
			member, ok, err := records.GetMember(entry.ConversationId, entry.Membership.InboxId)
			if err != nil {
				return false, err
			}
			if !ok {
				member = &Member{
					ConversationId: entry.ConversationId,
					InboxId:        entry.Membership.InboxId,
					AddedAt:        time.Now(),
				}
			}
			member.Role = entry.Membership.Role
			return true, records.PutMember(member)
		}
	case entryKindConversation:
		if entry.Conversation == nil {
			return false, fmt.Errorf("conversation entry without conversation at position %d", entry.Position)
		}
		return true, upsertRemoteConversation(records, entry.Conversation)
	case entryKindRemoved:
		conversation, ok, err := records.GetConversation(entry.ConversationId)
		if err != nil || !ok {
			return false, err
		}
		if conversation.State == ConversationInactive {
			return false, nil
		}
		conversation.State = ConversationInactive
		return true, records.PutConversation(conversation)
	default:
		glog.V(1).Infof("[sync]unknown entry kind %s at position %d\n", entry.Kind, entry.Position)
		return false, nil
	}
}

func messageFromEntry(entry *LogEntry) *Message {
	return &Message{
		MessageId:      entry.Message.MessageId,
		ConversationId: entry.ConversationId,
		SenderInboxId:  entry.Message.SenderInboxId,
		SentAt:         entry.Message.SentAt,
		SequenceNumber: entry.Message.SequenceNumber,
		ContentType:    entry.Message.ContentType,
		Content:        entry.Message.Content,
		DeliveryStatus: DeliveryPublished,
	}
}

// a log entry referencing an unknown conversation creates it implicitly
func ensureConversation(records *records, entry *LogEntry) error {
	_, ok, err := records.GetConversation(entry.ConversationId)
	if err != nil || ok {
		return err
	}
	conversation := &Conversation{
		ConversationId: entry.ConversationId,
		Kind:           KindGroup,
		State:          ConversationActive,
		CreatedAt:      time.Now(),
	}
	if entry.Conversation != nil {
		if kind, err := parseConversationKind(entry.Conversation.Kind); err == nil {
			conversation.Kind = kind
		}
		conversation.CreatedAt = entry.Conversation.CreatedAt
	}
	return records.PutConversation(conversation)
}
