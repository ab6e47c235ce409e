package courier

import (
	"errors"
	"fmt"
)

type Environment int

const (
	EnvProduction Environment = iota
	EnvStaging
	EnvLocal
)

func (self Environment) String() string {
	switch self {
	case EnvProduction:
		return "production"
	case EnvStaging:
		return "staging"
	case EnvLocal:
		return "local"
	default:
		return fmt.Sprintf("environment(%d)", int(self))
	}
}

func ParseEnvironment(envStr string) (Environment, error) {
	switch envStr {
	case "production":
		return EnvProduction, nil
	case "staging":
		return EnvStaging, nil
	case "local":
		return EnvLocal, nil
	default:
		return EnvProduction, fmt.Errorf("unknown environment: %s", envStr)
	}
}

func (self Environment) ApiUrl() string {
	switch self {
	case EnvStaging:
		return "https://api.staging.comsat.chat"
	case EnvLocal:
		return "http://localhost:8080"
	default:
		return "https://api.comsat.chat"
	}
}

func (self Environment) FeedUrl() string {
	switch self {
	case EnvStaging:
		return "wss://feed.staging.comsat.chat"
	case EnvLocal:
		return "ws://localhost:8081"
	default:
		return "wss://feed.comsat.chat"
	}
}

// recognized options only
type ClientConfig struct {
	Env Environment

	// opaque symmetric key for the local store. required.
	EncryptionKey []byte

	// path for the durable store. empty selects the in-memory medium.
	StorePath string

	// additional content codecs beyond the built-ins
	Codecs []ContentCodec

	// overrides for the environment endpoints
	ApiUrl  string
	FeedUrl string

	// override for the whole remote transport. used by tests and embedders
	// that bring their own platform connection.
	Transport RemoteTransport

	Settings *ClientSettings
}

type ClientSettings struct {
	SignerSettings      *SignerSettings
	FeedSettings        *FeedSettings
	MultiplexerSettings *StreamMultiplexerSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SignerSettings:      DefaultSignerSettings(),
		FeedSettings:        DefaultFeedSettings(),
		MultiplexerSettings: DefaultStreamMultiplexerSettings(),
	}
}

func (self *ClientConfig) validate() error {
	if len(self.EncryptionKey) == 0 {
		return errors.New("encryption key required")
	}
	return nil
}

func (self *ClientConfig) apiUrl() string {
	if self.ApiUrl != "" {
		return self.ApiUrl
	}
	return self.Env.ApiUrl()
}

func (self *ClientConfig) feedUrl() string {
	if self.FeedUrl != "" {
		return self.FeedUrl
	}
	return self.Env.FeedUrl()
}

func (self *ClientConfig) settings() *ClientSettings {
	if self.Settings != nil {
		return self.Settings
	}
	return DefaultClientSettings()
}

func (self *ClientConfig) openKv() (KeyValueStore, error) {
	if self.StorePath == "" {
		return NewMemoryStore(), nil
	}
	return NewBoltStore(self.StorePath)
}
