package wmbus

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"wmbusd.dev/cmac"
)

// decryptELLCTR decrypts frame[pos:] in place with AES-128 CTR. The
// IV is mfct(2) || dll-a(6) || cc || sn(4) || fn(2 zero bytes), with
// the final byte acting as the block counter, incremented big-endian.
func decryptELLCTR(t *Telegram, pos int) error {
	c, err := aes.NewCipher(t.keys.Confidentiality)
	if err != nil {
		return fmt.Errorf("wmbus: %w", err)
	}
	var iv [16]byte
	iv[0] = byte(t.DllMfct)
	iv[1] = byte(t.DllMfct >> 8)
	copy(iv[2:8], t.DllA[:])
	iv[8] = t.EllCC
	iv[9] = byte(t.EllSN)
	iv[10] = byte(t.EllSN >> 8)
	iv[11] = byte(t.EllSN >> 16)
	iv[12] = byte(t.EllSN >> 24)
	// iv[13..15] stay zero: frame number and block counter.

	data := t.Frame[pos:]
	var keystream [16]byte
	for off := 0; off < len(data); off += 16 {
		c.Encrypt(keystream[:], iv[:])
		n := min(16, len(data)-off)
		for i := range n {
			data[off+i] ^= keystream[i]
		}
		incrementIV(iv[:])
	}
	return nil
}

// incrementIV adds one to the IV interpreted as a big-endian number.
func incrementIV(iv []byte) {
	for i := len(iv) - 1; i >= 0; i-- {
		iv[i]++
		if iv[i] != 0 {
			return
		}
	}
}

// deriveKeys runs KDF-A (mode 7, KDFS=1): ephemeral Kenc and Kmac are
// the CMACs of DC || counter || id || 0x07*7 under the permanent key.
func deriveKeys(t *Telegram) (kenc, kmac []byte, err error) {
	var input [16]byte
	copy(input[1:5], t.aflCounterB[:])
	if t.TplIDFound {
		copy(input[5:9], t.TplID[:])
	} else {
		copy(input[5:9], t.DllID[:])
	}
	for i := 9; i < 16; i++ {
		input[i] = 0x07
	}

	input[0] = 0x00 // DC: encryption key from meter.
	mac, err := cmac.Sum(t.keys.Confidentiality, input[:])
	if err != nil {
		return nil, nil, err
	}
	kenc = append(kenc, mac[:]...)

	input[0] = 0x01 // DC: mac key from meter.
	mac, err = cmac.Sum(t.keys.Confidentiality, input[:])
	if err != nil {
		return nil, nil, err
	}
	kmac = append(kmac, mac[:]...)
	return kenc, kmac, nil
}

// checkMAC verifies the AFL MAC over MCL || counter || frame[from:]
// with the derived Kmac, comparing as many bytes as the telegram
// carried.
func (t *Telegram) checkMAC(from int) bool {
	if len(t.TplKmac) != 16 || len(t.AflMAC) == 0 {
		return false
	}
	input := make([]byte, 0, 5+len(t.Frame)-from)
	input = append(input, t.AflMCL)
	input = append(input, t.aflCounterB[:]...)
	input = append(input, t.Frame[from:]...)
	mac, err := cmac.Sum(t.TplKmac, input)
	if err != nil {
		return false
	}
	return bytes.Equal(mac[:len(t.AflMAC)], t.AflMAC)
}

// decryptTPLCBC decrypts the configured number of 16-byte blocks of
// frame[pos:] in place. A nil iv means the zero IV of mode 7.
func decryptTPLCBC(t *Telegram, pos int, key, iv []byte) (encrypted int, err error) {
	data := t.Frame[pos:]
	n := len(data)
	if t.TplNumEncr > 0 {
		n = t.TplNumEncr * 16
	}
	if n > len(data) {
		t.warn("aes-cbc decryption got %d bytes but expected %d from num encr blocks %d",
			len(data), n, t.TplNumEncr)
		n = len(data)
	}
	n -= n % 16
	if n < 16 {
		return 0, fmt.Errorf("wmbus: %d bytes is too short for aes-cbc", len(data))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return 0, fmt.Errorf("wmbus: %w", err)
	}
	var zero [16]byte
	if iv == nil {
		iv = zero[:]
	}
	cipher.NewCBCDecrypter(c, iv).CryptBlocks(data[:n], data[:n])
	return n, nil
}

// cbcIV builds the mode 5 IV: mfct(2) || a(6) || acc * 8, preferring
// the TPL address over the DLL one.
func cbcIV(t *Telegram) []byte {
	iv := make([]byte, 16)
	if t.TplIDFound {
		iv[0] = byte(t.TplMfct)
		iv[1] = byte(t.TplMfct >> 8)
		copy(iv[2:8], t.TplA[:])
	} else {
		iv[0] = byte(t.DllMfct)
		iv[1] = byte(t.DllMfct >> 8)
		copy(iv[2:8], t.DllA[:])
	}
	for i := 8; i < 16; i++ {
		iv[i] = t.TplAcc
	}
	return iv
}

// alreadyDecrypted detects the 2F 2F verification bytes arriving in
// plaintext although the header announces encryption: a replayed or
// simulated telegram.
func (t *Telegram) alreadyDecrypted(c *cursor) bool {
	if c.remaining() < 2 {
		return false
	}
	b := c.buf()
	return b[0] == 0x2f && b[1] == 0x2f
}

// potentiallyDecrypt dispatches on the TPL security mode. It reports
// whether the remaining frame now holds usable plaintext records.
func (t *Telegram) potentiallyDecrypt(c *cursor) bool {
	switch t.TplSecMode {
	case TPLAESCBCIV:
		if t.alreadyDecrypted(c) {
			if t.keys.HasConfidentiality() {
				// The header says encrypted but the content is not:
				// a spoof or replay. Reject.
				t.warn("telegram should have been fully encrypted, but was not! id: %s", t.Address().IDString())
				return false
			}
			c.note(2, Protocol, Full, "2f2f already decrypted check bytes")
			return true
		}
		if !t.keys.HasConfidentiality() {
			n := c.remaining()
			c.note(n, Content, Encrypted, "%02X encrypted", c.buf())
			t.warn("no key to decrypt payload! id: %s", t.Address().IDString())
			return false
		}
		encrypted, err := decryptTPLCBC(t, c.pos, t.keys.Confidentiality, cbcIV(t))
		if err != nil {
			c.note(c.remaining(), Content, Encrypted, "encrypted data")
			return false
		}
		return t.checkDecryptBytes(c, encrypted)

	case TPLAESCBCNoIV:
		if t.alreadyDecrypted(c) {
			if t.keys.HasConfidentiality() {
				t.warn("telegram should have been fully encrypted, but was not! id: %s", t.Address().IDString())
				return false
			}
			c.note(2, Protocol, Full, "2f2f already decrypted check bytes")
			return true
		}
		if !t.checkMAC(t.TplStart) {
			t.warn("telegram mac check failed, wrong key? id: %s", t.Address().IDString())
			n := c.remaining()
			c.note(n, Content, Encrypted, "%02X encrypted, mac failed", c.buf())
			return false
		}
		encrypted, err := decryptTPLCBC(t, c.pos, t.TplKenc, nil)
		if err != nil {
			c.note(c.remaining(), Content, Encrypted, "encrypted data")
			return false
		}
		return t.checkDecryptBytes(c, encrypted)

	case TPLSpecific:
		if t.specificDec != nil && t.keys.HasConfidentiality() {
			if t.specificDec(t, t.Frame, c.pos, t.keys.Confidentiality) {
				return true
			}
			if t.simulated {
				return true
			}
			return false
		}
		// No hook registered: leave the content annotated encrypted.
		c.note(c.remaining(), Content, Encrypted, "%02X encrypted with specific mode", c.buf())
		return false

	default:
		if t.keys.HasConfidentiality() {
			// Plaintext telegram but a key was configured: protects
			// against header spoofing.
			t.warn("telegram should have been encrypted, but was not! id: %s", t.Address().IDString())
			return false
		}
		return true
	}
}

// checkDecryptBytes consumes the 2F 2F verification bytes after a CBC
// decrypt.
func (t *Telegram) checkDecryptBytes(c *cursor, encrypted int) bool {
	if c.remaining() < 2 {
		return false
	}
	b := c.buf()
	ok := b[0] == 0x2f && b[1] == 0x2f
	c.note(2, Protocol, Full, "%02x%02x decrypt check bytes (%s)", b[0], b[1], okOrError(ok))
	if !ok {
		n := c.remaining()
		c.note(n, Content, Encrypted, "%02X failed decryption, wrong key?", c.buf())
		t.warn("decrypted content failed check, wrong key? id: %s", t.Address().IDString())
		return false
	}
	return true
}
