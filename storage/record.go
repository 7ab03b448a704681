package storage

import (
	"fmt"

	"github.com/jmcleod/ironkey/internal/util"
)

// Record schemes.
const (
	SchemePlain     = "plain"
	SchemeAES256GCM = "aes256gcm"
)

const recordVer = 1

// Record is a stored value. Data is either the plaintext record body or,
// for sealed records, its AES-256-GCM ciphertext.
type Record struct {
	Ver     int    `json:"ver"`
	Scheme  string `json:"scheme"`
	Nonce   []byte `json:"nonce,omitempty"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Ver:     r.Ver,
		Scheme:  r.Scheme,
		Nonce:   util.CopyBytes(r.Nonce),
		Data:    util.CopyBytes(r.Data),
		Version: r.Version,
	}
}

// RecordAAD binds a sealed record to its address so it cannot be moved.
func RecordAAD(namespace, recordType, recordID string) []byte {
	return []byte(namespace + "\x00" + recordType + "\x00" + recordID)
}

// NewPlainRecord wraps data without encryption.
func NewPlainRecord(data []byte, version uint64) *Record {
	return &Record{
		Ver:     recordVer,
		Scheme:  SchemePlain,
		Data:    util.CopyBytes(data),
		Version: version,
	}
}

// SealRecord encrypts plaintext into a Record using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Record, error) {
	nonce, ciphertext, err := util.EncryptAESGCM(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return &Record{
		Ver:     recordVer,
		Scheme:  SchemeAES256GCM,
		Nonce:   nonce,
		Data:    ciphertext,
		Version: version,
	}, nil
}

// OpenRecord returns the body of rec. Sealed records need recordKey.
func OpenRecord(recordKey []byte, rec *Record, aad []byte) ([]byte, error) {
	if rec.Ver != recordVer {
		return nil, fmt.Errorf("unsupported record version: %d", rec.Ver)
	}
	switch rec.Scheme {
	case SchemePlain:
		return util.CopyBytes(rec.Data), nil
	case SchemeAES256GCM:
		if recordKey == nil {
			return nil, fmt.Errorf("record is sealed and no record key is configured")
		}
		return util.DecryptAESGCM(rec.Nonce, rec.Data, recordKey, aad)
	default:
		return nil, fmt.Errorf("unsupported record scheme: %s", rec.Scheme)
	}
}
