package courier

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type ConversationKind int

const (
	KindDirect ConversationKind = iota
	KindGroup
)

func (self ConversationKind) String() string {
	switch self {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

func parseConversationKind(kindStr string) (ConversationKind, error) {
	switch kindStr {
	case "direct":
		return KindDirect, nil
	case "group":
		return KindGroup, nil
	default:
		return KindDirect, fmt.Errorf("unknown conversation kind: %s", kindStr)
	}
}

// group lifecycle. forming until the creation commits to the remote log,
// then active until a remote removal. inactive is terminal locally.
// a re-creation is a new conversation.
type ConversationState int

const (
	ConversationForming ConversationState = iota
	ConversationActive
	ConversationInactive
)

func (self ConversationState) String() string {
	switch self {
	case ConversationForming:
		return "forming"
	case ConversationActive:
		return "active"
	case ConversationInactive:
		return "inactive"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

// ordered. each role carries every privilege of the roles below it.
type Role int

const (
	RoleMember Role = iota
	RoleAdmin
	RoleSuperAdmin
)

func (self Role) AtLeast(other Role) bool {
	return other <= self
}

func (self Role) String() string {
	switch self {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return fmt.Sprintf("role(%d)", int(self))
	}
}

func ParseRole(roleStr string) (Role, error) {
	switch roleStr {
	case "member":
		return RoleMember, nil
	case "admin":
		return RoleAdmin, nil
	case "super_admin":
		return RoleSuperAdmin, nil
	default:
		return RoleMember, fmt.Errorf("unknown role: %s", roleStr)
	}
}

type Conversation struct {
	ConversationId Id                `cbor:"conversation_id"`
	Kind           ConversationKind  `cbor:"kind"`
	State          ConversationState `cbor:"state"`
	CreatedAt      time.Time         `cbor:"created_at"`

	// group attributes
	Name           string  `cbor:"name,omitempty"`
	Description    string  `cbor:"description,omitempty"`
	ImageUrl       string  `cbor:"image_url,omitempty"`
	CreatorInboxId InboxId `cbor:"creator_inbox_id,omitempty"`

	// direct message peer
	PeerInboxId InboxId `cbor:"peer_inbox_id,omitempty"`
}

func (self *Conversation) Active() bool {
	return self.State == ConversationActive
}

type Member struct {
	ConversationId Id        `cbor:"conversation_id"`
	InboxId        InboxId   `cbor:"inbox_id"`
	Role           Role      `cbor:"role"`
	AddedAt        time.Time `cbor:"added_at"`
}

type DeliveryStatus int

const (
	DeliveryUnpublished DeliveryStatus = iota
	DeliveryPublished
	DeliveryFailed
)

func (self DeliveryStatus) String() string {
	switch self {
	case DeliveryUnpublished:
		return "unpublished"
	case DeliveryPublished:
		return "published"
	case DeliveryFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(self))
	}
}

// immutable once created. the sequence number is strictly increasing per
// conversation and is the sole deduplication key.
type Message struct {
	MessageId      Id             `cbor:"message_id"`
	ConversationId Id             `cbor:"conversation_id"`
	SenderInboxId  InboxId        `cbor:"sender_inbox_id"`
	SentAt         time.Time      `cbor:"sent_at"`
	SequenceNumber uint64         `cbor:"sequence_number"`
	ContentType    string         `cbor:"content_type"`
	Content        []byte         `cbor:"content"`
	DeliveryStatus DeliveryStatus `cbor:"delivery_status"`
}

// per-conversation watermark into the remote log. monotonically non-decreasing.
type SyncCursor struct {
	Position uint64 `cbor:"position"`
}

var conversationListCursorKey = []byte("conversation_list")

// typed record access over the encrypted store.
// message keys are conversationId || bigendian(sequenceNumber) so a prefix
// scan yields messages in sequence order.
type records struct {
	store *EncryptedStore

	// serializes read-compare-write cursor advances between the sync engine
	// and the stream multiplexer
	cursorLock sync.Mutex
}

func newRecords(store *EncryptedStore) *records {
	return &records{
		store: store,
	}
}

func messageKey(conversationId Id, sequenceNumber uint64) []byte {
	key := make([]byte, 0, 24)
	key = append(key, conversationId.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, sequenceNumber)
	return key
}

func memberKey(conversationId Id, inboxId InboxId) []byte {
	key := make([]byte, 0, 48)
	key = append(key, conversationId.Bytes()...)
	key = append(key, inboxId.Bytes()...)
	return key
}

func (self *records) PutConversation(conversation *Conversation) error {
	value, err := cbor.Marshal(conversation)
	if err != nil {
		return err
	}
	return self.store.Put(tableConversations, conversation.ConversationId.Bytes(), value)
}

func (self *records) GetConversation(conversationId Id) (*Conversation, bool, error) {
	value, ok, err := self.store.Get(tableConversations, conversationId.Bytes())
	if err != nil || !ok {
		return nil, false, err
	}
	conversation := &Conversation{}
	if err := cbor.Unmarshal(value, conversation); err != nil {
		return nil, false, err
	}
	return conversation, true, nil
}

func (self *records) ListConversations() ([]*Conversation, error) {
	conversations := []*Conversation{}
	err := self.store.Scan(tableConversations, nil, func(key []byte, value []byte) error {
		conversation := &Conversation{}
		if err := cbor.Unmarshal(value, conversation); err != nil {
			return err
		}
		conversations = append(conversations, conversation)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

func (self *records) PutMember(member *Member) error {
	value, err := cbor.Marshal(member)
	if err != nil {
		return err
	}
	return self.store.Put(tableMembers, memberKey(member.ConversationId, member.InboxId), value)
}

func (self *records) GetMember(conversationId Id, inboxId InboxId) (*Member, bool, error) {
	value, ok, err := self.store.Get(tableMembers, memberKey(conversationId, inboxId))
	if err != nil || !ok {
		return nil, false, err
	}
	member := &Member{}
	if err := cbor.Unmarshal(value, member); err != nil {
		return nil, false, err
	}
	return member, true, nil
}

func (self *records) DeleteMember(conversationId Id, inboxId InboxId) error {
	return self.store.Delete(tableMembers, memberKey(conversationId, inboxId))
}

func (self *records) ListMembers(conversationId Id) ([]*Member, error) {
	members := []*Member{}
	err := self.store.Scan(tableMembers, conversationId.Bytes(), func(key []byte, value []byte) error {
		member := &Member{}
		if err := cbor.Unmarshal(value, member); err != nil {
			return err
		}
		members = append(members, member)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (self *records) PutMessage(message *Message) error {
	value, err := cbor.Marshal(message)
	if err != nil {
		return err
	}
	return self.store.Put(tableMessages, messageKey(message.ConversationId, message.SequenceNumber), value)
}

func (self *records) HasMessage(conversationId Id, sequenceNumber uint64) (bool, error) {
	_, ok, err := self.store.Get(tableMessages, messageKey(conversationId, sequenceNumber))
	return ok, err
}

func (self *records) ListMessages(conversationId Id) ([]*Message, error) {
	messages := []*Message{}
	err := self.store.Scan(tableMessages, conversationId.Bytes(), func(key []byte, value []byte) error {
		message := &Message{}
		if err := cbor.Unmarshal(value, message); err != nil {
			return err
		}
		messages = append(messages, message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// highest applied sequence number for the conversation, 0 when none
func (self *records) MaxSequenceNumber(conversationId Id) (uint64, error) {
	maxSequenceNumber := uint64(0)
	err := self.store.Scan(tableMessages, conversationId.Bytes(), func(key []byte, value []byte) error {
		if len(key) == 24 {
			sequenceNumber := binary.BigEndian.Uint64(key[16:24])
			if maxSequenceNumber < sequenceNumber {
				maxSequenceNumber = sequenceNumber
			}
		}
		return nil
	})
	return maxSequenceNumber, err
}

func (self *records) GetCursor(key []byte) (uint64, error) {
	value, ok, err := self.store.Get(tableCursors, key)
	if err != nil || !ok {
		return 0, err
	}
	cursor := &SyncCursor{}
	if err := cbor.Unmarshal(value, cursor); err != nil {
		return 0, err
	}
	return cursor.Position, nil
}

// advances the cursor. the cursor never moves backwards, so concurrent
// writers merge to the max observed position.
func (self *records) AdvanceCursor(key []byte, position uint64) error {
	self.cursorLock.Lock()
	defer self.cursorLock.Unlock()

	current, err := self.GetCursor(key)
	if err != nil {
		return err
	}
	if position <= current {
		return nil
	}
	value, err := cbor.Marshal(&SyncCursor{
		Position: position,
	})
	if err != nil {
		return err
	}
	return self.store.Put(tableCursors, key, value)
}

func (self *records) ConversationCursor(conversationId Id) (uint64, error) {
	return self.GetCursor(conversationId.Bytes())
}

func (self *records) AdvanceConversationCursor(conversationId Id, position uint64) error {
	return self.AdvanceCursor(conversationId.Bytes(), position)
}
