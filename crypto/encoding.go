package crypto

import (
	"fmt"

	"github.com/jmcleod/ironkey/internal/util"
)

// BytesToText encodes binary material (salt, IV, ciphertext) for transport.
func BytesToText(b []byte) string {
	return util.Base64Encode(b)
}

// TextToBytes decodes text produced by BytesToText.
func TextToBytes(s string) ([]byte, error) {
	b, err := util.Base64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return b, nil
}

// EncodedSecret is the transport form of an EncryptedSecret.
type EncodedSecret struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// EncodeSecret converts s to its text form.
func EncodeSecret(s *EncryptedSecret) EncodedSecret {
	return EncodedSecret{
		Ciphertext: BytesToText(s.Ciphertext),
		IV:         BytesToText(s.IV),
	}
}

// DecodeSecret converts a text form back to binary.
func DecodeSecret(e EncodedSecret) (*EncryptedSecret, error) {
	ct, err := TextToBytes(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	iv, err := TextToBytes(e.IV)
	if err != nil {
		return nil, fmt.Errorf("iv: %w", err)
	}
	return &EncryptedSecret{Ciphertext: ct, IV: iv}, nil
}
