package wmbus

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// SignatureCache maps compact frame format signatures to the DIF/VIF
// skeleton of the long frame they were derived from. It is append
// only and bounded; compact telegrams whose signature is unknown stay
// undecodable until a long frame arrives.
type SignatureCache struct {
	mu sync.Mutex
	m  map[uint16][]byte
}

// maxSignatures bounds the cache; real deployments see well under a
// thousand distinct formats.
const maxSignatures = 1024

// knownSignatures are format skeletons of widely deployed meters that
// send compact frames long before their first long frame.
var knownSignatures = map[uint16]string{
	0xa8ed: "02FF2004134413615B6167",
	0xc412: "02FF20041392013BA1015B8101E7FF0F",
	0x61eb: "02FF2004134413A1015B8101E7FF0F",
	0xd2f7: "02FF2004134413615B5167",
	0xdd34: "02FF2004134413",
	0x7c0e: "02FF200413523B",
}

// DefaultSignatureCache is the process-wide cache used by telegrams
// unless overridden.
var DefaultSignatureCache = NewSignatureCache()

func NewSignatureCache() *SignatureCache {
	return &SignatureCache{m: make(map[uint16][]byte)}
}

// Lookup returns the skeleton for a signature, consulting the cache
// first and the table of known meter signatures second.
func (c *SignatureCache) Lookup(sig uint16) ([]byte, bool) {
	c.mu.Lock()
	f, ok := c.m[sig]
	c.mu.Unlock()
	if ok {
		return f, true
	}
	if s, ok := knownSignatures[sig]; ok {
		b, _ := hex.DecodeString(s)
		return b, true
	}
	return nil, false
}

// Remember stores the skeleton of a freshly seen long frame. The
// first skeleton for a signature wins.
func (c *SignatureCache) Remember(sig uint16, format []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[sig]; ok || len(c.m) >= maxSignatures {
		return
	}
	c.m[sig] = append([]byte(nil), format...)
}

// Save persists the cache so compact frames decode right after a
// restart.
func (c *SignatureCache) Save(path string) error {
	c.mu.Lock()
	data, err := cbor.Marshal(c.m)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wmbus: encode signature cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("wmbus: save signature cache: %w", err)
	}
	return nil
}

// Load merges a previously saved cache.
func (c *SignatureCache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("wmbus: load signature cache: %w", err)
	}
	var m map[uint16][]byte
	if err := cbor.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("wmbus: decode signature cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for sig, f := range m {
		if _, ok := c.m[sig]; !ok && len(c.m) < maxSignatures {
			c.m[sig] = f
		}
	}
	return nil
}
