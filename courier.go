package courier

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// id for messages and conversations, assigned locally and committed by the remote log
// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(encodeUuid(self)), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// canonical per-identity conversation address, stable across installations
// comparable
type InboxId [32]byte

func ParseInboxId(inboxIdStr string) (InboxId, error) {
	return parseHex32("InboxId", inboxIdStr)
}

func RequireInboxId(inboxIdStr string) InboxId {
	inboxId, err := ParseInboxId(inboxIdStr)
	if err != nil {
		panic(err)
	}
	return inboxId
}

func (self InboxId) Bytes() []byte {
	return self[0:32]
}

func (self InboxId) String() string {
	return hex.EncodeToString(self[0:32])
}

func (self InboxId) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *InboxId) UnmarshalText(src []byte) error {
	inboxId, err := ParseInboxId(string(src))
	if err != nil {
		return err
	}
	*self = inboxId
	return nil
}

// one authenticated device instance of an identity
// comparable
type InstallationId [32]byte

func NewInstallationId() InstallationId {
	var installationId InstallationId
	if _, err := rand.Read(installationId[:]); err != nil {
		panic(err)
	}
	return installationId
}

func ParseInstallationId(installationIdStr string) (InstallationId, error) {
	id, err := parseHex32("InstallationId", installationIdStr)
	return InstallationId(id), err
}

func (self InstallationId) Bytes() []byte {
	return self[0:32]
}

func (self InstallationId) String() string {
	return hex.EncodeToString(self[0:32])
}

func (self InstallationId) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *InstallationId) UnmarshalText(src []byte) error {
	installationId, err := ParseInstallationId(string(src))
	if err != nil {
		return err
	}
	*self = installationId
	return nil
}

func parseHex32(tag string, src string) (dst [32]byte, err error) {
	src = strings.ToLower(strings.TrimSpace(src))
	if len(src) != 64 {
		return dst, fmt.Errorf("%s must be 64 hex characters", tag)
	}
	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, fmt.Errorf("%s must be 64 hex characters: %s", tag, err)
	}
	copy(dst[:], buf)
	return dst, nil
}

// externally verified account reference
// comparable
type Address [20]byte

func ParseAddress(addressStr string) (Address, error) {
	var address Address
	addressStr = strings.ToLower(strings.TrimSpace(addressStr))
	addressStr = strings.TrimPrefix(addressStr, "0x")
	if len(addressStr) != 40 {
		return address, errors.New("Address must be 0x followed by 40 hex characters")
	}
	buf, err := hex.DecodeString(addressStr)
	if err != nil {
		return address, fmt.Errorf("Address must be 0x followed by 40 hex characters: %s", err)
	}
	copy(address[:], buf)
	return address, nil
}

func RequireAddress(addressStr string) Address {
	address, err := ParseAddress(addressStr)
	if err != nil {
		panic(err)
	}
	return address
}

func (self Address) Bytes() []byte {
	return self[0:20]
}

func (self Address) String() string {
	return "0x" + hex.EncodeToString(self[0:20])
}

func (self Address) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Address) UnmarshalText(src []byte) error {
	address, err := ParseAddress(string(src))
	if err != nil {
		return err
	}
	*self = address
	return nil
}
