package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// remote conversation log, consumed but not owned. the contract is
// at-least-once delivery of committed entries, in commit order, per
// conversation.
type RemoteTransport interface {
	AuthChallenge(ctx context.Context, address Address) ([]byte, error)
	AuthLogin(ctx context.Context, login *AuthLoginArgs) (*AuthLoginResult, error)

	FetchConversations(ctx context.Context, sincePosition uint64) (*ConversationDeltas, error)
	FetchEntries(ctx context.Context, conversationId Id, sincePosition uint64) ([]*LogEntry, error)

	SendMessage(ctx context.Context, send *SendMessageArgs) (*SendMessageResult, error)
	CreateConversation(ctx context.Context, create *CreateConversationArgs) (*CreateConversationResult, error)
	UpdateMembership(ctx context.Context, conversationId Id, change *MembershipChange) error

	Subscribe(ctx context.Context, scope Scope) (Feed, error)
}

// an open subscription to the remote event feed. the events channel closes
// on any terminal condition; Err reports the reason afterward.
type Feed interface {
	Events() <-chan *LogEntry
	Err() error
	Close()
}

const (
	entryKindMessage      = "message"
	entryKindMembership   = "membership"
	entryKindConversation = "conversation"
	entryKindRemoved      = "removed"
)

type LogEntry struct {
	Position       uint64              `json:"position"`
	ConversationId Id                  `json:"conversation_id"`
	Kind           string              `json:"kind"`
	Message        *MessageEntry       `json:"message,omitempty"`
	Membership     *MembershipEntry    `json:"membership,omitempty"`
	Conversation   *RemoteConversation `json:"conversation,omitempty"`
}

type MessageEntry struct {
	MessageId      Id        `json:"message_id"`
	SenderInboxId  InboxId   `json:"sender_inbox_id"`
	SentAt         time.Time `json:"sent_at"`
	SequenceNumber uint64    `json:"sequence_number"`
	ContentType    string    `json:"content_type"`
	Content        []byte    `json:"content"`
}

type MembershipEntry struct {
	Op           string  `json:"op"`
	InboxId      InboxId `json:"inbox_id"`
	Role         Role    `json:"role"`
	ActorInboxId InboxId `json:"actor_inbox_id"`
}

type RemoteConversation struct {
	ConversationId Id        `json:"conversation_id"`
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	Active         bool      `json:"active"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	ImageUrl       string    `json:"image_url,omitempty"`
	CreatorInboxId InboxId   `json:"creator_inbox_id"`
	PeerInboxId    InboxId   `json:"peer_inbox_id,omitempty"`
}

type ConversationDeltas struct {
	Conversations []*RemoteConversation `json:"conversations"`
	Position      uint64                `json:"position"`
}

type AuthLoginArgs struct {
	Address            Address        `json:"address"`
	ChallengeSignature []byte         `json:"challenge_signature"`
	InstallationId     InstallationId `json:"installation_id"`
	ChainId            *int           `json:"chain_id,omitempty"`
}

type AuthLoginResult struct {
	Session string  `json:"session"`
	InboxId InboxId `json:"inbox_id"`
}

type SendMessageArgs struct {
	ConversationId Id     `json:"conversation_id"`
	MessageId      Id     `json:"message_id"`
	ContentType    string `json:"content_type"`
	Content        []byte `json:"content"`
}

type SendMessageResult struct {
	MessageId      Id        `json:"message_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	Position       uint64    `json:"position"`
	SentAt         time.Time `json:"sent_at"`
}

type CreateConversationArgs struct {
	Kind        string    `json:"kind"`
	PeerInboxId InboxId   `json:"peer_inbox_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageUrl    string    `json:"image_url,omitempty"`
	Members     []InboxId `json:"members,omitempty"`
}

type CreateConversationResult struct {
	ConversationId Id        `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type MembershipChange struct {
	Op      string  `json:"op"`
	InboxId InboxId `json:"inbox_id"`
	Role    Role    `json:"role"`
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

// http implementation of the remote transport.
// json bodies, bearer session token, one url per operation.
type CourierApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl  string
	feedUrl string

	session string

	feedSettings *FeedSettings
}

func NewCourierApi(ctx context.Context, apiUrl string, feedUrl string) *CourierApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CourierApi{
		ctx:          cancelCtx,
		cancel:       cancel,
		apiUrl:       apiUrl,
		feedUrl:      feedUrl,
		feedSettings: DefaultFeedSettings(),
	}
}

// the session token is attached to calls that need it
func (self *CourierApi) SetSession(session string) {
	self.session = session
}

type authChallengeArgs struct {
	Address Address `json:"address"`
}

type authChallengeResult struct {
	Challenge []byte `json:"challenge"`
}

func (self *CourierApi) AuthChallenge(ctx context.Context, address Address) ([]byte, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/auth/challenge", self.apiUrl),
		&authChallengeArgs{
			Address: address,
		},
		self.session,
		&authChallengeResult{},
		NewNoopApiCallback[*authChallengeResult](),
	)
	if err != nil {
		return nil, newNetworkError("auth/challenge", err)
	}
	return result.Challenge, nil
}

func (self *CourierApi) AuthLogin(ctx context.Context, login *AuthLoginArgs) (*AuthLoginResult, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		login,
		self.session,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
	if err != nil {
		return nil, newNetworkError("auth/login", err)
	}
	return result, nil
}

func (self *CourierApi) FetchConversations(ctx context.Context, sincePosition uint64) (*ConversationDeltas, error) {
	result, err := get(
		ctx,
		fmt.Sprintf("%s/conversations?since=%d", self.apiUrl, sincePosition),
		self.session,
		&ConversationDeltas{},
		NewNoopApiCallback[*ConversationDeltas](),
	)
	if err != nil {
		return nil, newNetworkError("conversations", err)
	}
	return result, nil
}

func (self *CourierApi) FetchEntries(ctx context.Context, conversationId Id, sincePosition uint64) ([]*LogEntry, error) {
	type entriesResult struct {
		Entries []*LogEntry `json:"entries"`
	}
	result, err := get(
		ctx,
		fmt.Sprintf("%s/conversations/%s/entries?since=%d", self.apiUrl, conversationId, sincePosition),
		self.session,
		&entriesResult{},
		NewNoopApiCallback[*entriesResult](),
	)
	if err != nil {
		return nil, newNetworkError("entries", err)
	}
	return result.Entries, nil
}

func (self *CourierApi) SendMessage(ctx context.Context, send *SendMessageArgs) (*SendMessageResult, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/conversations/%s/messages", self.apiUrl, send.ConversationId),
		send,
		self.session,
		&SendMessageResult{},
		NewNoopApiCallback[*SendMessageResult](),
	)
	if err != nil {
		return nil, newNetworkError("send", err)
	}
	return result, nil
}

func (self *CourierApi) CreateConversation(ctx context.Context, create *CreateConversationArgs) (*CreateConversationResult, error) {
	result, err := post(
		ctx,
		fmt.Sprintf("%s/conversations", self.apiUrl),
		create,
		self.session,
		&CreateConversationResult{},
		NewNoopApiCallback[*CreateConversationResult](),
	)
	if err != nil {
		return nil, newNetworkError("create", err)
	}
	return result, nil
}

func (self *CourierApi) UpdateMembership(ctx context.Context, conversationId Id, change *MembershipChange) error {
	type membershipResult struct{}
	_, err := post(
		ctx,
		fmt.Sprintf("%s/conversations/%s/members", self.apiUrl, conversationId),
		change,
		self.session,
		&membershipResult{},
		NewNoopApiCallback[*membershipResult](),
	)
	if err != nil {
		return newNetworkError("membership", err)
	}
	return nil
}

func (self *CourierApi) Subscribe(ctx context.Context, scope Scope) (Feed, error) {
	return subscribeFeed(ctx, self.feedUrl, self.session, scope, self.feedSettings)
}

func (self *CourierApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, session string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if session != "" {
		auth := fmt.Sprintf("Bearer %s", session)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, session string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if session != "" {
		auth := fmt.Sprintf("Bearer %s", session)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
