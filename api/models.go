package api

import (
	"github.com/jmcleod/ironkey/backend"
	"github.com/jmcleod/ironkey/vault"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RegisterAccountRequest carries the initial key material of a new account.
type RegisterAccountRequest struct {
	Salt               string `json:"salt"`
	RecoveryCiphertext string `json:"recovery_ciphertext"`
	RecoveryIV         string `json:"recovery_iv"`
}

// PersistKeyMaterialRequest replaces the salt and recovery wrap together.
// A non-zero ExpectedEpoch makes the write conditional on the current epoch.
type PersistKeyMaterialRequest struct {
	Salt               string `json:"salt"`
	RecoveryCiphertext string `json:"recovery_ciphertext"`
	RecoveryIV         string `json:"recovery_iv"`
	ExpectedEpoch      uint64 `json:"expected_epoch,omitempty"`
}

// AccountResponse reports the account salt and key-material epoch.
type AccountResponse struct {
	Salt  string `json:"salt"`
	Epoch uint64 `json:"epoch"`
}

// RecoveryWrapResponse is the master password wrapped under the recovery key.
type RecoveryWrapResponse struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Epoch      uint64 `json:"epoch"`
}

// ListEntriesResponse is one page of entries ordered by ID.
type ListEntriesResponse struct {
	Entries []vault.Entry `json:"entries"`
	PaginationMeta
}

// BulkUpdateSecretsRequest replaces the encrypted passwords of many entries
// in one transaction.
type BulkUpdateSecretsRequest struct {
	Updates []vault.SecretUpdate `json:"updates"`
}

// BulkUpdateSecretsResponse reports how many entries were rewritten.
type BulkUpdateSecretsResponse struct {
	Updated int `json:"updated"`
}

// ListAuditResponse is one page of audit records, newest first.
type ListAuditResponse struct {
	Entries []backend.AuditEntry `json:"entries"`
	PaginationMeta
}

func (req RegisterAccountRequest) keyMaterial() vault.KeyMaterial {
	return vault.KeyMaterial{
		Salt:               req.Salt,
		RecoveryCiphertext: req.RecoveryCiphertext,
		RecoveryIV:         req.RecoveryIV,
	}
}

func (req PersistKeyMaterialRequest) keyMaterial() vault.KeyMaterial {
	return vault.KeyMaterial{
		Salt:               req.Salt,
		RecoveryCiphertext: req.RecoveryCiphertext,
		RecoveryIV:         req.RecoveryIV,
	}
}
