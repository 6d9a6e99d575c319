package wmbus

import (
	"fmt"

	"wmbusd.dev/crc16"
	"wmbusd.dev/dv"
)

// CI field values selecting the next sublayer.
const (
	ciELL1    = 0x8c
	ciELL2    = 0x8d
	ciELL3    = 0x8e
	ciELL4    = 0x8f
	ciELL5    = 0x86
	ciNWL     = 0x81
	ciAFL     = 0x90
	ciTPLLong = 0x72
	ciTPLNone = 0x78
	ciTPLComp = 0x79
	ciTPLShrt = 0x7a
)

func isELL(ci byte) bool {
	switch ci {
	case ciELL1, ciELL2, ciELL3, ciELL4, ciELL5:
		return true
	}
	return false
}

func isTPL(ci byte) bool {
	switch ci {
	case ciTPLLong, ciTPLNone, ciTPLComp, ciTPLShrt:
		return true
	}
	return false
}

// isMfctSpecific reports a manufacturer specific CI (0xA0..0xB7):
// remaining bytes are recorded but not parsed.
func isMfctSpecific(ci byte) bool {
	return ci >= 0xa0 && ci <= 0xb7
}

// IsValidCField accepts the SND_NR/SND_IR control bytes of meter
// originated wM-Bus telegrams.
func IsValidCField(c byte) bool {
	return c == 0x44 || c == 0x46
}

// cursor walks the telegram frame. Every read is preceded by a
// remaining-bytes check so a truncated frame aborts cleanly.
type cursor struct {
	t   *Telegram
	pos int
}

func (c *cursor) remaining() int { return len(c.t.Frame) - c.pos }

func (c *cursor) buf() []byte { return c.t.Frame[c.pos:] }

// short annotates a truncation and fails the parse step.
func (c *cursor) short(what string) bool {
	c.t.explain(c.pos, 0, Protocol, None, "expected more data for %s", what)
	return false
}

// note annotates n bytes at the cursor and advances past them.
func (c *cursor) note(n int, kind Kind, u Understanding, format string, args ...any) {
	c.t.explain(c.pos, n, kind, u, format, args...)
	c.pos += n
}

func (t *Telegram) parseDLL(c *cursor) bool {
	if c.remaining() < 2 {
		return c.short("dll")
	}
	t.DllLen = int(t.Frame[0])
	if c.remaining() < t.DllLen {
		return c.short("dll length")
	}
	c.note(1, Protocol, Full, "%02x length (%d bytes)", t.DllLen, t.DllLen)
	t.DllC = t.Frame[c.pos]
	c.note(1, Protocol, Full, "%02x dll-c", t.DllC)

	if c.remaining() < 8 {
		return c.short("dll address")
	}
	b := c.buf()
	t.DllMfct = uint16(b[1])<<8 | uint16(b[0])
	copy(t.DllA[:], b[2:8])
	copy(t.DllID[:], b[2:6])
	t.DllVer = b[6]
	t.DllType = b[7]
	addr := Address{ID: t.DllID, Mfct: t.DllMfct, Version: t.DllVer, Type: t.DllType}
	t.Addresses = append(t.Addresses, addr)
	c.note(2, Protocol, Full, "%02x%02x dll-mfct (%s)", b[0], b[1], MfctString(t.DllMfct))
	c.note(4, Protocol, Full, "%02x%02x%02x%02x dll-id (%s)", b[2], b[3], b[4], b[5], addr.IDString())
	c.note(1, Protocol, Full, "%02x dll-version", t.DllVer)
	c.note(1, Protocol, Full, "%02x dll-type (%s)", t.DllType, MediaType(t.DllType))
	return true
}

func (t *Telegram) parseELL(c *cursor) bool {
	if c.remaining() == 0 {
		return false
	}
	ci := t.Frame[c.pos]
	if !isELL(ci) {
		return true
	}
	t.EllCI = ci
	c.note(1, Protocol, Full, "%02x ell-ci-field", ci)
	if ci == ciELL5 {
		// ELL V carries a variable structure we do not decode.
		c.note(c.remaining(), Content, None, "ell-v content (not parsed)")
		return false
	}
	if c.remaining() < 2 {
		return c.short("ell")
	}
	t.EllCC = t.Frame[c.pos]
	c.note(1, Protocol, Full, "%02x ell-cc", t.EllCC)
	t.EllAcc = t.Frame[c.pos]
	c.note(1, Protocol, Full, "%02x ell-acc", t.EllAcc)

	targetAddress := ci == ciELL3 || ci == ciELL4
	sessionCRC := ci == ciELL2 || ci == ciELL4

	if targetAddress {
		if c.remaining() < 8 {
			return c.short("ell address")
		}
		b := c.buf()
		t.EllMfct = uint16(b[1])<<8 | uint16(b[0])
		copy(t.EllID[:], b[2:6])
		t.EllVersion = b[6]
		t.EllType = b[7]
		t.EllIDFound = true
		addr := Address{ID: t.EllID, Mfct: t.EllMfct, Version: t.EllVersion, Type: t.EllType}
		t.Addresses = append(t.Addresses, addr)
		c.note(2, Protocol, Full, "%02x%02x ell-mfct (%s)", b[0], b[1], MfctString(t.EllMfct))
		c.note(4, Protocol, Full, "%02x%02x%02x%02x ell-id (%s)", b[2], b[3], b[4], b[5], addr.IDString())
		c.note(1, Protocol, Full, "%02x ell-version", t.EllVersion)
		c.note(1, Protocol, Full, "%02x ell-type", t.EllType)
	}

	if sessionCRC {
		if c.remaining() < 6 {
			return c.short("ell session")
		}
		b := c.buf()
		t.EllSN = uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
		t.EllSNSession = uint8(t.EllSN & 0x0f)
		t.EllSNTime = t.EllSN >> 4 & 0x1ffffff
		t.EllSNSec = uint8(t.EllSN >> 29 & 0x07)
		t.EllSecMode = ELLSecurityMode(t.EllSNSec)
		if t.EllSNSec > 1 {
			t.EllSecMode = 2 // Reserved.
		}
		c.note(4, Protocol, Full, "%02x%02x%02x%02x sn (%s)", b[0], b[1], b[2], b[3], t.EllSecMode)

		if t.EllSecMode == ELLAESCTR && t.keys.HasConfidentiality() {
			// Wrong keys decrypt to garbage; the payload CRC below is
			// the actual check.
			decryptELLCTR(t, c.pos)
		}

		b = c.buf()
		t.EllPlCRC = uint16(b[1])<<8 | uint16(b[0])
		check := crc16.Checksum(t.Frame[c.pos+2:])
		ok := check == t.EllPlCRC
		c.note(2, Protocol, Full, "%02x%02x payload crc (calculated %04x, %s)",
			b[0], b[1], check, okOrError(ok))
		if !ok {
			t.DecryptionFailed = true
			c.note(c.remaining(), Content, Encrypted, "%02X failed decryption, wrong key?", c.buf())
		}
	}
	return true
}

func okOrError(ok bool) string {
	if ok {
		return "OK"
	}
	return "ERROR"
}

func (t *Telegram) parseNWL(c *cursor) bool {
	if c.remaining() == 0 {
		return false
	}
	if t.Frame[c.pos] != ciNWL {
		return true
	}
	t.NwlCI = ciNWL
	c.note(1, Protocol, Full, "%02x nwl-ci-field", ciNWL)
	if c.remaining() < 1 {
		return c.short("nwl")
	}
	c.note(1, Protocol, Full, "%02x nwl", t.Frame[c.pos])
	return true
}

// aflMACLen maps the authentication type in the AFL message control
// low nibble to its MAC length.
func aflMACLen(at byte) int {
	switch at {
	case 3:
		return 2
	case 4:
		return 4
	case 5:
		return 8
	case 6:
		return 12
	case 7:
		return 16
	case 8:
		return 12 // AES-GMAC-128
	}
	return 0
}

func (t *Telegram) parseAFL(c *cursor) bool {
	if c.remaining() == 0 {
		return false
	}
	if t.Frame[c.pos] != ciAFL {
		return true
	}
	t.AflCI = ciAFL
	c.note(1, Protocol, Full, "%02x afl-ci-field", ciAFL)
	if c.remaining() < 3 {
		return c.short("afl")
	}
	t.AflLen = t.Frame[c.pos]
	c.note(1, Protocol, Full, "%02x afl-len (%d)", t.AflLen, t.AflLen)
	b := c.buf()
	t.AflFC = uint16(b[1])<<8 | uint16(b[0])
	c.note(2, Protocol, Full, "%02x%02x afl-fc", b[0], b[1])

	hasKeyInfo := t.AflFC&0x0200 != 0
	hasMAC := t.AflFC&0x0400 != 0
	hasCounter := t.AflFC&0x0800 != 0
	hasControl := t.AflFC&0x2000 != 0

	if hasControl {
		if c.remaining() < 1 {
			return c.short("afl-mcl")
		}
		t.AflMCL = t.Frame[c.pos]
		c.note(1, Protocol, Full, "%02x afl-mcl", t.AflMCL)
	}
	if hasKeyInfo {
		if c.remaining() < 2 {
			return c.short("afl-ki")
		}
		b := c.buf()
		t.AflKI = uint16(b[1])<<8 | uint16(b[0])
		t.AflKIFound = true
		c.note(2, Protocol, Full, "%02x%02x afl-ki", b[0], b[1])
	}
	if hasCounter {
		if c.remaining() < 4 {
			return c.short("afl-counter")
		}
		b := c.buf()
		copy(t.aflCounterB[:], b[:4])
		t.AflCounter = uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
		t.AflCounterFound = true
		c.note(4, Protocol, Full, "%02x%02x%02x%02x afl-counter (%d)", b[0], b[1], b[2], b[3], t.AflCounter)
	}
	if hasMAC {
		n := aflMACLen(t.AflMCL & 0x0f)
		if n == 0 {
			t.warn("bad length of afl mac")
			return false
		}
		if c.remaining() < n {
			return c.short("afl-mac")
		}
		t.AflMAC = append(t.AflMAC[:0], c.buf()[:n]...)
		t.MustCheckMAC = true
		c.note(n, Protocol, Full, "%02X afl-mac (%d bytes)", t.AflMAC, n)
	}
	return true
}

func (t *Telegram) parseTPL(c *cursor) bool {
	if c.remaining() == 0 {
		return false
	}
	ci := t.Frame[c.pos]
	if !isTPL(ci) && !isMfctSpecific(ci) {
		c.note(1, Protocol, None, "%02x unknown ci-field", ci)
		t.warn("unknown tpl-ci-field %02x", ci)
		return false
	}
	t.TplCI = ci
	t.TplStart = c.pos
	c.note(1, Protocol, Full, "%02x tpl-ci-field", ci)

	switch ci {
	case ciTPLLong:
		if !t.parseLongTPL(c) {
			return false
		}
		if !t.potentiallyDecrypt(c) {
			t.DecryptionFailed = true
			t.finishHeader(c)
			return true
		}
		t.finishHeader(c)
		t.parseRecords(c, nil)
		return true
	case ciTPLShrt:
		if !t.parseShortTPL(c) {
			return false
		}
		if !t.potentiallyDecrypt(c) {
			t.DecryptionFailed = true
			t.finishHeader(c)
			return true
		}
		t.finishHeader(c)
		t.parseRecords(c, nil)
		return true
	case ciTPLNone:
		t.finishHeader(c)
		t.parseRecords(c, nil)
		return true
	case ciTPLComp:
		return t.parseCompactTPL(c)
	default:
		// Manufacturer specific payload.
		t.finishHeader(c)
		t.MfctIndex = c.pos
		n := c.remaining() - t.SuffixSize
		c.note(n, Content, None, "%02X mfct specific", t.Frame[c.pos:c.pos+n])
		return true
	}
}

func (t *Telegram) finishHeader(c *cursor) {
	t.HeaderSize = c.pos
}

func (t *Telegram) parseLongTPL(c *cursor) bool {
	if c.remaining() < 8 {
		return c.short("tpl address")
	}
	b := c.buf()
	copy(t.TplID[:], b[0:4])
	t.TplMfct = uint16(b[5])<<8 | uint16(b[4])
	t.TplVersion = b[6]
	t.TplType = b[7]
	t.TplIDFound = true
	// The TPL A field is id+version+type; the mfct sits between id
	// and version on the wire.
	copy(t.TplA[:4], b[0:4])
	t.TplA[4] = t.TplVersion
	t.TplA[5] = t.TplType
	addr := Address{ID: t.TplID, Mfct: t.TplMfct, Version: t.TplVersion, Type: t.TplType}
	t.Addresses = append(t.Addresses, addr)
	c.note(4, Protocol, Full, "%02x%02x%02x%02x tpl-id (%s)", b[0], b[1], b[2], b[3], addr.IDString())
	c.note(2, Protocol, Full, "%02x%02x tpl-mfct (%s)", b[4], b[5], MfctString(t.TplMfct))
	c.note(1, Protocol, Full, "%02x tpl-version", t.TplVersion)
	c.note(1, Protocol, Full, "%02x tpl-type (%s)", t.TplType, MediaType(t.TplType))
	return t.parseShortTPL(c)
}

func (t *Telegram) parseShortTPL(c *cursor) bool {
	if c.remaining() < 4 {
		return c.short("tpl header")
	}
	t.TplAcc = t.Frame[c.pos]
	c.note(1, Protocol, Full, "%02x tpl-acc-field", t.TplAcc)
	t.TplSts = t.Frame[c.pos]
	t.TplStsOffset = c.pos
	c.note(1, Protocol, Full, "%02x tpl-sts-field (%s)", t.TplSts, DecodeTPLStatus(t.TplSts))
	return t.parseTPLConfig(c)
}

func (t *Telegram) parseTPLConfig(c *cursor) bool {
	if c.remaining() < 2 {
		return c.short("tpl config")
	}
	b := c.buf()
	t.TplCfg = uint16(b[1])<<8 | uint16(b[0])
	mode := uint8(t.TplCfg >> 8 & 0x1f)
	switch {
	case mode == 0:
		t.TplSecMode = TPLNoSecurity
	case mode == 5:
		t.TplSecMode = TPLAESCBCIV
		t.TplNumEncr = int(t.TplCfg >> 4 & 0x0f)
	case mode == 7:
		t.TplSecMode = TPLAESCBCNoIV
		t.TplNumEncr = int(t.TplCfg >> 4 & 0x0f)
	case mode >= 16:
		t.TplSecMode = TPLSpecific
	default:
		t.TplSecMode = TPLSecurityMode(mode)
	}
	c.note(2, Protocol, Full, "%02x%02x tpl-cfg %04x (%s)", b[0], b[1], t.TplCfg, t.TplSecMode)

	if t.TplSecMode == TPLAESCBCNoIV {
		if c.remaining() < 1 {
			return c.short("tpl config ext")
		}
		t.TplCfgExt = t.Frame[c.pos]
		t.TplKDF = int(t.TplCfgExt >> 4 & 0x03)
		c.note(1, Protocol, Full, "%02x tpl-cfg-ext (KDFS=%d)", t.TplCfgExt, t.TplKDF)
		if t.TplKDF == 1 {
			if !t.keys.HasConfidentiality() {
				if t.simulated {
					return true
				}
				return false
			}
			var err error
			t.TplKenc, t.TplKmac, err = deriveKeys(t)
			if err != nil {
				t.warn("kdf failed: %v", err)
				return false
			}
		}
	}
	return true
}

func (t *Telegram) parseCompactTPL(c *cursor) bool {
	if c.remaining() < 4 {
		return c.short("compact frame header")
	}
	b := c.buf()
	t.FormatSignature = uint16(b[1])<<8 | uint16(b[0])
	c.note(2, Protocol, Full, "%02x%02x format signature", b[0], b[1])

	format, ok := t.sigCache.Lookup(t.FormatSignature)
	if !ok {
		t.explain(c.pos-2, 0, Protocol, None, "(unknown)")
		c.note(c.remaining(), Content, Compressed, "%02X compressed and signature unknown", c.buf())
		return false
	}
	b = c.buf()
	c.note(2, Protocol, Full, "%02x%02x data crc", b[0], b[1])
	t.finishHeader(c)
	t.parseRecords(c, format)
	return true
}

// parseRecords runs the DIF/VIF walker over the record area.
func (t *Telegram) parseRecords(c *cursor, format []byte) {
	data := t.Frame[c.pos : len(t.Frame)-t.SuffixSize]
	base := c.pos
	force := 0
	if t.ForceMfctIndex >= 0 {
		force = t.ForceMfctIndex
	}
	r := dv.Parse(data, dv.Options{
		Format:         format,
		ForceMfctIndex: force,
		Trace: func(off, n int, text string, content, understood bool) {
			kind := Protocol
			if content {
				kind = Content
			}
			u := Full
			if !understood {
				u = None
			}
			t.explain(base+off, n, kind, u, "%s", text)
		},
	})
	// Entry offsets are relative to the record area; shift them to
	// frame offsets like every other annotation.
	for _, e := range r.Entries {
		e.Offset += base
	}
	if r.MfctStart >= 0 {
		t.MfctIndex = base + r.MfctStart
	}
	t.Records = r
	if format == nil && len(r.FormatBytes) > 0 {
		t.sigCache.Remember(r.Signature, r.FormatBytes)
	}
	c.pos = len(t.Frame) - t.SuffixSize
}

// parseTPLHeaderOnly extracts the TPL address for key lookup without
// touching encrypted content.
func (t *Telegram) parseTPLHeaderOnly(c *cursor) {
	if c.remaining() == 0 {
		return
	}
	ci := t.Frame[c.pos]
	if ci != ciTPLLong {
		return
	}
	t.TplCI = ci
	t.TplStart = c.pos
	c.pos++
	if c.remaining() < 8 {
		return
	}
	b := c.buf()
	copy(t.TplID[:], b[0:4])
	t.TplMfct = uint16(b[5])<<8 | uint16(b[4])
	t.TplVersion = b[6]
	t.TplType = b[7]
	t.TplIDFound = true
	t.Addresses = append(t.Addresses, Address{ID: t.TplID, Mfct: t.TplMfct, Version: t.TplVersion, Type: t.TplType})
}

func (t *Telegram) warn(format string, args ...any) {
	if !t.warns || t.analyzed {
		return
	}
	warnf("(wmbus) "+format, args...)
}

// warnf is the package warning sink; the binary may replace it.
var warnf = func(format string, args ...any) {
	fmt.Printf("warning: "+format+"\n", args...)
}

// SetWarnFunc redirects parser warnings, e.g. into the binary's
// logger.
func SetWarnFunc(f func(format string, args ...any)) {
	if f != nil {
		warnf = f
	}
}
