package wmbus

import (
	"fmt"
	"time"

	"wmbusd.dev/dv"
	"wmbusd.dev/frame"
)

// FrameType tells which link a telegram arrived on.
type FrameType uint8

const (
	WMBus FrameType = iota
	MBus
	HAN
)

// AboutTelegram carries reception metadata alongside the frame.
type AboutTelegram struct {
	Device    string
	RSSI      int
	Type      FrameType
	Timestamp time.Time
}

// Kind classifies an explained byte region.
type Kind uint8

const (
	Protocol Kind = iota
	Content
)

// Understanding grades how well a region was decoded.
type Understanding uint8

const (
	None Understanding = iota
	Full
	Encrypted
	Compressed
)

// Explanation annotates one region of the frame for analyzer mode.
type Explanation struct {
	Offset int
	Len    int
	Text   string
	Kind   Kind
	Understanding
}

// ELLSecurityMode is the 3-bit security field of the ELL session
// number.
type ELLSecurityMode uint8

const (
	ELLNoSecurity ELLSecurityMode = 0
	ELLAESCTR     ELLSecurityMode = 1
)

func (m ELLSecurityMode) String() string {
	switch m {
	case ELLNoSecurity:
		return "nosecurity"
	case ELLAESCTR:
		return "aes_ctr"
	}
	return "reserved"
}

// TPLSecurityMode is the 5-bit security field of the TPL
// configuration word.
type TPLSecurityMode uint8

const (
	TPLNoSecurity TPLSecurityMode = 0
	TPLAESCBCIV   TPLSecurityMode = 5
	TPLAESCBCNoIV TPLSecurityMode = 7
	// TPLSpecific covers the manufacturer specific modes 16-31.
	TPLSpecific TPLSecurityMode = 16
)

func (m TPLSecurityMode) String() string {
	switch m {
	case TPLNoSecurity:
		return "nosecurity"
	case TPLAESCBCIV:
		return "aes_cbc_iv"
	case TPLAESCBCNoIV:
		return "aes_cbc_no_iv"
	case TPLSpecific:
		return "specific_16_31"
	}
	return fmt.Sprintf("mode_%d", uint8(m))
}

// SpecificDecrypter is the hook for proprietary security modes 16-31
// (Diehl real data and friends). It decrypts frame[pos:] in place and
// reports success.
type SpecificDecrypter func(t *Telegram, frame []byte, pos int, key []byte) bool

// Telegram accumulates every parsed layer of one wM-Bus frame. The
// parser writes it top to bottom; drivers and the renderer only read.
type Telegram struct {
	About AboutTelegram

	// Addresses found while parsing, DLL first, TPL (if present) last.
	Addresses []Address

	// DLL.
	DllLen  int
	DllC    byte
	DllMfct uint16
	DllA    [6]byte
	DllID   [4]byte
	DllVer  byte
	DllType byte

	// ELL.
	EllCI        byte
	EllCC        byte
	EllAcc       byte
	EllSN        uint32
	EllSNSession uint8
	EllSNTime    uint32
	EllSNSec     uint8
	EllSecMode   ELLSecurityMode
	EllPlCRC     uint16
	EllMfct      uint16
	EllIDFound   bool
	EllID        [4]byte
	EllVersion   byte
	EllType      byte

	// NWL.
	NwlCI byte

	// AFL.
	AflCI           byte
	AflLen          byte
	AflFC           uint16
	AflMCL          byte
	AflKIFound      bool
	AflKI           uint16
	AflCounterFound bool
	AflCounter      uint32
	aflCounterB     [4]byte
	AflMAC          []byte
	MustCheckMAC    bool

	// TPL.
	TplStart     int
	TplCI        byte
	TplAcc       byte
	TplSts       byte
	TplStsOffset int
	TplCfg       uint16
	TplSecMode   TPLSecurityMode
	TplNumEncr   int
	TplCfgExt    byte
	TplKDF       int
	TplKenc      []byte
	TplKmac      []byte
	TplIDFound   bool
	TplA         [6]byte
	TplID        [4]byte
	TplMfct      uint16
	TplVersion   byte
	TplType      byte

	// FormatSignature of a compact (CI 0x79) frame.
	FormatSignature uint16

	// Frame is the canonical frame, decrypted in place where
	// decryption succeeded.
	Frame []byte
	// HeaderSize is the offset of the record area, SuffixSize the
	// number of trailing non-record bytes.
	HeaderSize int
	SuffixSize int
	// MfctIndex is the frame offset of manufacturer specific data,
	// -1 if none. ForceMfctIndex (from the driver) bounds the record
	// area for meters that send no 0x0F marker.
	MfctIndex      int
	ForceMfctIndex int

	DecryptionFailed bool
	Handled          bool

	// Records decoded from the payload.
	Records *dv.Records

	Explanations []Explanation

	keys        *MeterKeys
	warns       bool
	analyzed    bool
	simulated   bool
	sigCache    *SignatureCache
	specificDec SpecificDecrypter
}

// NewTelegram returns a telegram ready for parsing.
func NewTelegram(about AboutTelegram) *Telegram {
	return &Telegram{
		About:          about,
		MfctIndex:      -1,
		ForceMfctIndex: -1,
	}
}

func (t *Telegram) MarkSimulated()     { t.simulated = true }
func (t *Telegram) MarkBeingAnalyzed() { t.analyzed = true }
func (t *Telegram) BeingAnalyzed() bool {
	return t.analyzed
}

// SetSignatureCache overrides the process-wide compact frame
// signature cache, mainly for tests.
func (t *Telegram) SetSignatureCache(c *SignatureCache) { t.sigCache = c }

// SetSpecificDecrypter installs a hook for security modes 16-31.
func (t *Telegram) SetSpecificDecrypter(d SpecificDecrypter) { t.specificDec = d }

func (t *Telegram) explain(off, n int, kind Kind, u Understanding, format string, args ...any) {
	t.Explanations = append(t.Explanations, Explanation{
		Offset:        off,
		Len:           n,
		Text:          fmt.Sprintf(format, args...),
		Kind:          kind,
		Understanding: u,
	})
}

// AddSpecialExplanation annotates a region inside manufacturer
// specific data; used by driver processContent hooks.
func (t *Telegram) AddSpecialExplanation(off, n int, u Understanding, format string, args ...any) {
	t.explain(off, n, Content, u, format, args...)
}

// Payload returns the record area of the frame: after the header and
// before the suffix.
func (t *Telegram) Payload() []byte {
	end := len(t.Frame) - t.SuffixSize
	if t.HeaderSize > end {
		return nil
	}
	return t.Frame[t.HeaderSize:end]
}

// MfctData returns the manufacturer specific bytes, if any.
func (t *Telegram) MfctData() []byte {
	if t.MfctIndex < 0 {
		return nil
	}
	end := len(t.Frame) - t.SuffixSize
	if t.MfctIndex > end {
		return nil
	}
	return t.Frame[t.MfctIndex:end]
}

// Address returns the most specific address: the TPL one if present,
// else the ELL one if present, else the DLL one.
func (t *Telegram) Address() Address {
	if len(t.Addresses) == 0 {
		return Address{}
	}
	return t.Addresses[len(t.Addresses)-1]
}

// ParseHeader parses only as much of the frame as needed to extract
// ids, so keys can be looked up before a full parse. It never warns
// and never decrypts.
func (t *Telegram) ParseHeader(f *frame.Frame) bool {
	t.reset(f)
	t.warns = false
	c := &cursor{t: t}
	if !t.parseDLL(c) {
		return false
	}
	// At worst only the DLL parses; that is enough for routing.
	if !t.parseELL(c) || t.DecryptionFailed {
		return true
	}
	if !t.parseNWL(c) {
		return true
	}
	if !t.parseAFL(c) {
		return true
	}
	t.parseTPLHeaderOnly(c)
	return true
}

// Parse runs the full layer walk, decrypting and authenticating with
// the supplied keys, and finally decodes the data records.
func (t *Telegram) Parse(f *frame.Frame, keys *MeterKeys, warn bool) bool {
	t.reset(f)
	t.warns = warn
	t.keys = keys
	c := &cursor{t: t}
	if !t.parseDLL(c) {
		return false
	}
	if !t.parseELL(c) || t.DecryptionFailed {
		return !t.DecryptionFailed
	}
	if !t.parseNWL(c) {
		return false
	}
	if !t.parseAFL(c) {
		return false
	}
	if !t.parseTPL(c) {
		return false
	}
	return !t.DecryptionFailed
}

func (t *Telegram) reset(f *frame.Frame) {
	t.Frame = append(t.Frame[:0], f.Data...)
	t.Explanations = t.Explanations[:0]
	t.Addresses = t.Addresses[:0]
	t.DecryptionFailed = false
	t.SuffixSize = 0
	t.MfctIndex = -1
	t.Records = nil
	if t.sigCache == nil {
		t.sigCache = DefaultSignatureCache
	}
}
