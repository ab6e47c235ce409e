package courier

import (
	"fmt"
)

// error taxonomy:
// - AuthError: signature refused, timed out, or cancelled
// - NetworkError: transient transport failure. The caller may retry with backoff.
// - PermissionError: a membership mutation rejected by the local role lattice,
//   raised before any network call
// - DecryptionError: store key mismatch or corruption. Fatal for the installation,
//   which must be re-provisioned with the correct key.
// - DuplicateStreamError: internal guard only. Ref-counting makes it unobservable.

type AuthError struct {
	Op  string
	Err error
}

func newAuthError(op string, err error) *AuthError {
	return &AuthError{
		Op:  op,
		Err: err,
	}
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %s", self.Op, self.Err)
}

func (self *AuthError) Unwrap() error {
	return self.Err
}

type NetworkError struct {
	Op  string
	Err error
}

func newNetworkError(op string, err error) *NetworkError {
	return &NetworkError{
		Op:  op,
		Err: err,
	}
}

func (self *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %s", self.Op, self.Err)
}

func (self *NetworkError) Unwrap() error {
	return self.Err
}

type PermissionError struct {
	Op           string
	ActorInboxId InboxId
	Reason       string
}

func newPermissionError(op string, actorInboxId InboxId, reason string) *PermissionError {
	return &PermissionError{
		Op:           op,
		ActorInboxId: actorInboxId,
		Reason:       reason,
	}
}

func (self *PermissionError) Error() string {
	return fmt.Sprintf("permission %s for %s: %s", self.Op, self.ActorInboxId, self.Reason)
}

type DecryptionError struct {
	InstallationId InstallationId
	Err            error
}

func newDecryptionError(installationId InstallationId, err error) *DecryptionError {
	return &DecryptionError{
		InstallationId: installationId,
		Err:            err,
	}
}

func (self *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed for installation %s: %s", self.InstallationId, self.Err)
}

func (self *DecryptionError) Unwrap() error {
	return self.Err
}

// a second underlying feed for a scope that already has a live one.
// subscribe checks the scope table under the state lock, so this is never
// returned to a caller.
type DuplicateStreamError struct {
	Scope Scope
}

func (self *DuplicateStreamError) Error() string {
	return fmt.Sprintf("duplicate stream for scope %s", self.Scope)
}
