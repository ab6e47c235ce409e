package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"comsat.chat/courier"
)

const CourierCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Courier control.

The default urls are:
    api_url: https://api.comsat.chat
    feed_url: wss://feed.comsat.chat

The identity key is derived from --seed, so the same seed is the same
account across runs. The local store key is derived from the seed too
unless --store_key is given.

Usage:
    courierctl whoami --seed=<seed>
    courierctl sync [options] --seed=<seed>
    courierctl conversations [options] --seed=<seed>
    courierctl create-group [options] --seed=<seed>
        --name=<name>
        [--member=<inbox_id>...]
    courierctl send [options] --seed=<seed>
        --conversation=<conversation_id>
        <message>
    courierctl listen [options] --seed=<seed>
        [--conversation=<conversation_id>]
        [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --feed_url=<feed_url>
    --env=<env>                      production, staging, or local [default: production].
    --seed=<seed>                    Identity seed phrase.
    --store=<store>                  Path to the local store. Defaults to in-memory.
    --store_key=<store_key>          Local store encryption passphrase.
    --conversation=<conversation_id>
    --member=<inbox_id>              Initial group member. Repeatable.
    --name=<name>                    Group name.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CourierCtlVersion)
	if err != nil {
		panic(err)
	}

	if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		sync(opts)
	} else if conversations_, _ := opts.Bool("conversations"); conversations_ {
		conversations(opts)
	} else if createGroup_, _ := opts.Bool("create-group"); createGroup_ {
		createGroup(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	}
}

func signerFromOpts(opts docopt.Opts) *courier.LocalSigner {
	seed, _ := opts.String("--seed")
	return courier.NewLocalSignerFromSeed([]byte(seed))
}

func configFromOpts(opts docopt.Opts) (*courier.ClientConfig, error) {
	config := &courier.ClientConfig{}

	if envStr, err := opts.String("--env"); err == nil && envStr != "" {
		env, err := courier.ParseEnvironment(envStr)
		if err != nil {
			return nil, err
		}
		config.Env = env
	}
	if apiUrl, err := opts.String("--api_url"); err == nil {
		config.ApiUrl = apiUrl
	}
	if feedUrl, err := opts.String("--feed_url"); err == nil {
		config.FeedUrl = feedUrl
	}
	if store, err := opts.String("--store"); err == nil {
		config.StorePath = store
	}

	storeKey, err := opts.String("--store_key")
	if err != nil || storeKey == "" {
		storeKey, _ = opts.String("--seed")
	}
	keyDigest := sha256.Sum256([]byte(storeKey))
	config.EncryptionKey = keyDigest[:]

	return config, nil
}

func register(ctx context.Context, opts docopt.Opts) (*courier.Client, error) {
	config, err := configFromOpts(opts)
	if err != nil {
		return nil, err
	}
	return courier.Register(ctx, signerFromOpts(opts), config)
}

func whoami(opts docopt.Opts) {
	signer := signerFromOpts(opts)
	Out.Printf("address: %s", signer.Address())
	Out.Printf("inbox_id: %s", courier.DeriveInboxId(signer.Address()))
}

func sync(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := register(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("Could not register (%s).", err)
	}
	defer client.Close()

	result, err := client.Sync(cancelCtx)
	if err != nil {
		Err.Fatalf("Sync failed (%s).", err)
	}
	Out.Printf("synced %d conversations, applied %d entries", result.SyncedConversations, result.AppliedEntries)
}

func conversations(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := register(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("Could not register (%s).", err)
	}
	defer client.Close()

	conversations, err := client.Conversations().List(cancelCtx)
	if err != nil {
		Err.Fatalf("List failed (%s).", err)
	}
	for _, conversation := range conversations {
		name := conversation.Name
		if name == "" {
			name = "(unnamed)"
		}
		Out.Printf("%s %s %s %s", conversation.ConversationId, conversation.Kind, conversation.State, name)
	}
}

func createGroup(opts docopt.Opts) {
	name, _ := opts.String("--name")

	members := []courier.InboxId{}
	if memberStrs, ok := opts["--member"].([]string); ok {
		for _, memberStr := range memberStrs {
			inboxId, err := courier.ParseInboxId(memberStr)
			if err != nil {
				Err.Fatalf("Invalid member inbox_id (%s).", err)
			}
			members = append(members, inboxId)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := register(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("Could not register (%s).", err)
	}
	defer client.Close()

	handle, err := client.Conversations().NewGroup(cancelCtx, &courier.GroupOptions{Name: name}, members)
	if err != nil {
		Err.Fatalf("Create failed (%s).", err)
	}
	Out.Printf("%s", handle.ConversationId())
}

func send(opts docopt.Opts) {
	conversationIdStr, _ := opts.String("--conversation")
	messageContent, _ := opts.String("<message>")

	conversationId, err := courier.ParseId(conversationIdStr)
	if err != nil {
		Err.Fatalf("Invalid conversation_id (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := register(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("Could not register (%s).", err)
	}
	defer client.Close()

	handle := client.Conversations().Handle(conversationId)
	message, err := handle.Send(cancelCtx, messageContent)
	if err != nil {
		Err.Fatalf("Send failed (%s).", err)
	}
	Out.Printf("sent %s sequence=%d", message.MessageId, message.SequenceNumber)
}

func listen(opts docopt.Opts) {
	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := register(cancelCtx, opts)
	if err != nil {
		Err.Fatalf("Could not register (%s).", err)
	}
	defer client.Close()

	events := make(chan *courier.StreamEvent, 32)
	listener := func(event *courier.StreamEvent) {
		events <- event
	}

	var subscription *courier.StreamSubscription
	if conversationIdStr, err := opts.String("--conversation"); err == nil && conversationIdStr != "" {
		conversationId, err := courier.ParseId(conversationIdStr)
		if err != nil {
			Err.Fatalf("Invalid conversation_id (%s).", err)
		}
		subscription, err = client.Conversations().Handle(conversationId).Subscribe(listener)
		if err != nil {
			Err.Fatalf("Subscribe failed (%s).", err)
		}
	} else {
		subscription, err = client.Subscribe(listener)
		if err != nil {
			Err.Fatalf("Subscribe failed (%s).", err)
		}
	}
	defer subscription.Cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	received := 0
	for {
		select {
		case event := <-events:
			switch event.Type {
			case courier.StreamMessage:
				message := event.Message
				Out.Printf(
					"[%s][%s]%s: %s",
					message.SentAt.Format(time.RFC3339),
					message.ConversationId,
					message.SenderInboxId,
					formatContent(message),
				)
				received += 1
				if 0 <= messageCount && messageCount <= received {
					return
				}
			case courier.StreamClosed:
				if event.Err != nil {
					Err.Fatalf("Stream closed (%s).", event.Err)
				}
				return
			default:
				Out.Printf("[%s]%s", event.Type, event.ConversationId)
			}
		case <-stop:
			return
		}
	}
}

func formatContent(message *courier.Message) string {
	if message.ContentType == courier.ContentTypeText {
		return string(message.Content)
	}
	return fmt.Sprintf("<%s %d bytes>", message.ContentType, len(message.Content))
}
