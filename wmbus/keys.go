package wmbus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MeterKeys holds the AES-128 keys configured for one meter. A nil
// key means "do not attempt decryption/authentication".
type MeterKeys struct {
	Confidentiality []byte
	Authentication  []byte
}

func (k *MeterKeys) HasConfidentiality() bool {
	return k != nil && len(k.Confidentiality) == 16
}

func (k *MeterKeys) HasAuthentication() bool {
	return k != nil && len(k.Authentication) == 16
}

// ParseKey parses a 32 hex character AES-128 key. The literal NOKEY
// or an empty string yields nil, meaning an unencrypted meter is
// permitted.
func ParseKey(s string) ([]byte, error) {
	if s == "" || strings.EqualFold(s, "NOKEY") {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wmbus: bad key: %w", err)
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("wmbus: key must be 16 bytes, got %d", len(b))
	}
	return b, nil
}
