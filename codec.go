package courier

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	ContentTypeText     = "chat.comsat/text:1.0"
	ContentTypeReaction = "chat.comsat/reaction:1.0"
)

// interprets message content. codecs are a recognized configuration option;
// content with no registered codec round-trips as raw bytes.
type ContentCodec interface {
	ContentType() string
	Encode(content any) ([]byte, error)
	Decode(contentBytes []byte) (any, error)
}

type TextCodec struct {
}

func (self *TextCodec) ContentType() string {
	return ContentTypeText
}

func (self *TextCodec) Encode(content any) ([]byte, error) {
	text, ok := content.(string)
	if !ok {
		return nil, fmt.Errorf("text codec requires a string, got %T", content)
	}
	return []byte(text), nil
}

func (self *TextCodec) Decode(contentBytes []byte) (any, error) {
	return string(contentBytes), nil
}

type Reaction struct {
	MessageId Id     `cbor:"message_id"`
	Emoji     string `cbor:"emoji"`
	// add or remove
	Action string `cbor:"action"`
}

type ReactionCodec struct {
}

func (self *ReactionCodec) ContentType() string {
	return ContentTypeReaction
}

func (self *ReactionCodec) Encode(content any) ([]byte, error) {
	reaction, ok := content.(*Reaction)
	if !ok {
		return nil, fmt.Errorf("reaction codec requires a *Reaction, got %T", content)
	}
	return cbor.Marshal(reaction)
}

func (self *ReactionCodec) Decode(contentBytes []byte) (any, error) {
	reaction := &Reaction{}
	if err := cbor.Unmarshal(contentBytes, reaction); err != nil {
		return nil, err
	}
	return reaction, nil
}

type codecRegistry struct {
	codecs map[string]ContentCodec
}

func newCodecRegistry(extra []ContentCodec) *codecRegistry {
	codecs := map[string]ContentCodec{}
	for _, codec := range []ContentCodec{&TextCodec{}, &ReactionCodec{}} {
		codecs[codec.ContentType()] = codec
	}
	for _, codec := range extra {
		codecs[codec.ContentType()] = codec
	}
	return &codecRegistry{
		codecs: codecs,
	}
}

func (self *codecRegistry) Get(contentType string) (ContentCodec, bool) {
	codec, ok := self.codecs[contentType]
	return codec, ok
}

func (self *codecRegistry) Encode(contentType string, content any) ([]byte, error) {
	codec, ok := self.codecs[contentType]
	if !ok {
		if contentBytes, isBytes := content.([]byte); isBytes {
			return contentBytes, nil
		}
		return nil, fmt.Errorf("no codec for content type %s", contentType)
	}
	return codec.Encode(content)
}

func (self *codecRegistry) Decode(contentType string, contentBytes []byte) (any, error) {
	codec, ok := self.codecs[contentType]
	if !ok {
		return contentBytes, nil
	}
	return codec.Decode(contentBytes)
}
