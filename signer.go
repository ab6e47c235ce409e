package courier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"golang.org/x/crypto/sha3"
)

// capability interface over an external account-proof provider.
// variants are selected at construction, not by runtime property probing.
type Signer interface {
	Address() Address
	// produces a verifiable ownership proof for the challenge.
	// must honor ctx: a timeout or cancellation surfaces as an AuthError
	// rather than blocking indefinitely.
	SignChallenge(ctx context.Context, challenge []byte) ([]byte, error)
}

// optional capability. required for smart-contract wallets, absent otherwise.
type ChainIdReporter interface {
	ChainId() int
}

type SignerSettings struct {
	SignTimeout time.Duration
}

func DefaultSignerSettings() *SignerSettings {
	return &SignerSettings{
		SignTimeout: 60 * time.Second,
	}
}

// external wallet sign request. blocking until the user approves or rejects.
type SignFunc func(challenge []byte) (signature []byte, err error)

// wraps a standard wallet-backed account. the sign request runs in its own
// goroutine so the caller can cancel without waiting on the wallet ui.
type WalletSigner struct {
	address  Address
	sign     SignFunc
	settings *SignerSettings
}

func NewWalletSigner(address Address, sign SignFunc) *WalletSigner {
	return NewWalletSignerWithSettings(address, sign, DefaultSignerSettings())
}

func NewWalletSignerWithSettings(address Address, sign SignFunc, settings *SignerSettings) *WalletSigner {
	return &WalletSigner{
		address:  address,
		sign:     sign,
		settings: settings,
	}
}

func (self *WalletSigner) Address() Address {
	return self.address
}

func (self *WalletSigner) SignChallenge(ctx context.Context, challenge []byte) ([]byte, error) {
	return signWithTimeout(ctx, self.sign, challenge, self.settings.SignTimeout)
}

type signOutcome struct {
	signature []byte
	err       error
}

func signWithTimeout(ctx context.Context, sign SignFunc, challenge []byte, timeout time.Duration) ([]byte, error) {
	outcomes := make(chan *signOutcome, 1)
	go func() {
		signature, err := sign(challenge)
		outcomes <- &signOutcome{
			signature: signature,
			err:       err,
		}
	}()

	select {
	case outcome := <-outcomes:
		if outcome.err != nil {
			// user rejection
			return nil, newAuthError("sign", outcome.err)
		}
		return outcome.signature, nil
	case <-ctx.Done():
		return nil, newAuthError("sign", ctx.Err())
	case <-time.After(timeout):
		return nil, newAuthError("sign", errors.New("signature request timeout"))
	}
}

// ephemeral local-key-backed account. the key exists only for the lifetime
// of the process, which suits bots and tests.
type LocalSigner struct {
	address    Address
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

func NewLocalSigner() (*LocalSigner, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		address:    addressFromPublicKey(publicKey),
		publicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// derives a stable key from a seed phrase. same caveats as NewLocalSigner,
// plus the seed must be kept secret.
func NewLocalSignerFromSeed(seed []byte) *LocalSigner {
	h := sha3.Sum256(seed)
	privateKey := ed25519.NewKeyFromSeed(h[:])
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &LocalSigner{
		address:    addressFromPublicKey(publicKey),
		publicKey:  publicKey,
		privateKey: privateKey,
	}
}

func addressFromPublicKey(publicKey ed25519.PublicKey) Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(publicKey)
	digest := h.Sum(nil)
	var address Address
	copy(address[:], digest[len(digest)-20:])
	return address
}

func (self *LocalSigner) Address() Address {
	return self.address
}

func (self *LocalSigner) SignChallenge(ctx context.Context, challenge []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, newAuthError("sign", ctx.Err())
	default:
	}
	return ed25519.Sign(self.privateKey, challenge), nil
}

func (self *LocalSigner) PublicKey() ed25519.PublicKey {
	return self.publicKey
}

// smart-contract-wallet-backed account. the chain id capability is mandatory
// for this variant, so it is taken at construction.
type ContractWalletSigner struct {
	WalletSigner
	chainId int
}

func NewContractWalletSigner(address Address, sign SignFunc, chainId int) *ContractWalletSigner {
	return &ContractWalletSigner{
		WalletSigner: *NewWalletSigner(address, sign),
		chainId:      chainId,
	}
}

func (self *ContractWalletSigner) ChainId() int {
	return self.chainId
}

// the inbox id is derived from the identity and is stable across
// installations
func DeriveInboxId(address Address) InboxId {
	h := sha3.New256()
	h.Write([]byte("courier inbox v1"))
	h.Write(address.Bytes())
	var inboxId InboxId
	copy(inboxId[:], h.Sum(nil))
	return inboxId
}

type SessionClaims struct {
	InboxId        InboxId
	InstallationId InstallationId
	Address        Address
}

// extracts claims without verifying the signature. verification is the
// platform's concern; locally the token is an opaque bearer credential.
func ParseSessionUnverified(session string) (*SessionClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(session, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionClaims := &SessionClaims{}

	if inboxIdStr, ok := claims["inbox_id"].(string); ok {
		if inboxId, err := ParseInboxId(inboxIdStr); err == nil {
			sessionClaims.InboxId = inboxId
		}
	}
	if installationIdStr, ok := claims["installation_id"].(string); ok {
		if installationId, err := ParseInstallationId(installationIdStr); err == nil {
			sessionClaims.InstallationId = installationId
		}
	}
	if addressStr, ok := claims["address"].(string); ok {
		if address, err := ParseAddress(addressStr); err == nil {
			sessionClaims.Address = address
		}
	}

	return sessionClaims, nil
}
