package wmbus

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"wmbusd.dev/frame"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func testFrame(t *testing.T, canonical string) *frame.Frame {
	return &frame.Frame{Data: unhex(t, canonical), Mode: frame.ModeT1, RSSI: -77, Fmt: frame.FormatA}
}

var testKey = "000102030405060708090A0B0C0D0E0F"

func keysWith(t *testing.T, key string) *MeterKeys {
	k, err := ParseKey(key)
	require.NoError(t, err)
	return &MeterKeys{Confidentiality: k}
}

// A plaintext telegram: DLL + TPL CI 0x7A, security mode 0, a 32-bit
// volume record and a 16-bit flow record.
const plainTelegram = "1844ae4c7856341268077a550000000413181e0000023b1300"

func TestParsePlain(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, plainTelegram), &MeterKeys{}, false)
	require.True(t, ok)

	assert.Equal(t, 0x44, int(tg.DllC))
	assert.Equal(t, MfctCode("SEN"), tg.DllMfct)
	assert.Equal(t, "12345678", tg.Address().IDString())
	assert.Equal(t, byte(0x68), tg.DllVer)
	assert.Equal(t, byte(0x07), tg.DllType)
	assert.Equal(t, byte(0x7a), tg.TplCI)
	assert.Equal(t, byte(0x55), tg.TplAcc)
	assert.Equal(t, TPLNoSecurity, tg.TplSecMode)
	assert.False(t, tg.DecryptionFailed)

	require.NotNil(t, tg.Records)
	require.Len(t, tg.Records.Entries, 2)
	total := tg.Records.ByKey["0413"]
	require.NotNil(t, total)
	v, err := total.Double(true, false)
	require.NoError(t, err)
	assert.Equal(t, 7.704, v)
	flow := tg.Records.ByKey["023B"]
	require.NotNil(t, flow)
	v, err = flow.Double(true, false)
	require.NoError(t, err)
	assert.Equal(t, 0.019, v)
}

func TestExplanationsMonotonic(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	require.True(t, tg.Parse(testFrame(t, plainTelegram), &MeterKeys{}, false))
	prev := -1
	for _, e := range tg.Explanations {
		require.GreaterOrEqual(t, e.Offset, prev, "explanation at %d after %d", e.Offset, prev)
		prev = e.Offset
	}
	// The log covers the telegram with no gaps.
	covered := 0
	for _, e := range tg.Explanations {
		if e.Offset == covered {
			covered += e.Len
		}
	}
	assert.Equal(t, len(tg.Frame), covered)
}

// Mode 5: AES-CBC with IV under the test key, two encrypted blocks.
const mode5Telegram = "2e44ae4c7856341268077a55002005515bb06fa07e689fbedff885b36869860524c0968230adda9aa4684db17c9132"

func TestParseMode5(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, mode5Telegram), keysWith(t, testKey), false)
	require.True(t, ok)
	require.False(t, tg.DecryptionFailed)
	assert.Equal(t, TPLAESCBCIV, tg.TplSecMode)
	assert.Equal(t, 2, tg.TplNumEncr)

	// The decrypted region starts with the 2F 2F verification bytes.
	off := tg.HeaderSize - 2
	assert.Equal(t, []byte{0x2f, 0x2f}, tg.Frame[off:off+2])

	v, err := tg.Records.ByKey["0413"].Double(true, false)
	require.NoError(t, err)
	assert.Equal(t, 7.704, v)
}

func TestParseMode5WrongKey(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, mode5Telegram), keysWith(t, "00000000000000000000000000000000"), false)
	assert.False(t, ok)
	assert.True(t, tg.DecryptionFailed)
	// The suffix stays annotated as encrypted.
	last := tg.Explanations[len(tg.Explanations)-1]
	assert.Equal(t, Encrypted, last.Understanding)
}

func TestParseMode5NoKey(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, mode5Telegram), &MeterKeys{}, false)
	assert.False(t, ok)
	assert.True(t, tg.DecryptionFailed)
}

func TestParseMode5PlaintextPolicy(t *testing.T) {
	// Key configured but content arrives already decrypted: reject.
	data := unhex(t, mode5Telegram)
	copy(data[15:], unhex(t, "2f2f0413181e0000023b1300"))
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(&frame.Frame{Data: data, Mode: frame.ModeT1}, keysWith(t, testKey), false)
	assert.False(t, ok)
}

// ELL CI 0x8D with AES-CTR under the test key; the payload CRC
// validates the decryption.
const ellTelegram = "1d44ae4c7856341268078d203392030320b97f0dfe978c6b5ab5c6ad464a"

func TestParseELLCTR(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, ellTelegram), keysWith(t, testKey), false)
	require.True(t, ok)
	require.False(t, tg.DecryptionFailed)
	assert.Equal(t, byte(0x8d), tg.EllCI)
	assert.Equal(t, byte(0x20), tg.EllCC)
	assert.Equal(t, ELLAESCTR, tg.EllSecMode)
	assert.Equal(t, uint8(2), tg.EllSNSession)
	assert.Equal(t, uint32(12345), tg.EllSNTime)

	v, err := tg.Records.ByKey["0413"].Double(true, false)
	require.NoError(t, err)
	assert.Equal(t, 7.704, v)
}

func TestParseELLCTRWrongKey(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, ellTelegram), keysWith(t, "11111111111111111111111111111111"), false)
	assert.False(t, ok)
	assert.True(t, tg.DecryptionFailed)
}

// Mode 7: AFL with CMAC-8 authentication, KDF-derived keys, zero-IV
// CBC content.
const mode7Telegram = "4044ae4c785634126807900f002c25b30a000020a646b091c1e99b7a550020071056a1080aaa8f86704dd791b3dd545fca6026a506ab4ac77b076d6c95b9026091"

func TestParseMode7(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(testFrame(t, mode7Telegram), keysWith(t, testKey), false)
	require.True(t, ok)
	require.False(t, tg.DecryptionFailed)
	assert.Equal(t, TPLAESCBCNoIV, tg.TplSecMode)
	assert.True(t, tg.MustCheckMAC)
	assert.Equal(t, uint32(0x0ab3), tg.AflCounter)
	assert.Equal(t, "eccf39d475d730b8284fdfdc1995d52f", hex.EncodeToString(tg.TplKenc))
	assert.Equal(t, "c9cd19ff5a9aad5a6bbda13bd2c4c7ad", hex.EncodeToString(tg.TplKmac))

	v, err := tg.Records.ByKey["0413"].Double(true, false)
	require.NoError(t, err)
	assert.Equal(t, 7.704, v)
}

func TestParseMode7BadMAC(t *testing.T) {
	data := unhex(t, mode7Telegram)
	data[20] ^= 0x01 // corrupt the mac
	tg := NewTelegram(AboutTelegram{})
	ok := tg.Parse(&frame.Frame{Data: data, Mode: frame.ModeT1}, keysWith(t, testKey), false)
	assert.False(t, ok)
	assert.True(t, tg.DecryptionFailed)
}

const longTelegram = "1444ae4c785634126807780413181e0000023b1300"
const compactTelegram = "1444ae4c7856341268077944c9a872181e00001300"

func TestParseCompactAfterLong(t *testing.T) {
	cache := NewSignatureCache()

	tg := NewTelegram(AboutTelegram{})
	tg.SetSignatureCache(cache)
	require.True(t, tg.Parse(testFrame(t, longTelegram), &MeterKeys{}, false))

	tc := NewTelegram(AboutTelegram{})
	tc.SetSignatureCache(cache)
	require.True(t, tc.Parse(testFrame(t, compactTelegram), &MeterKeys{}, false))
	assert.Equal(t, uint16(0xc944), tc.FormatSignature)
	require.NotNil(t, tc.Records)
	require.Len(t, tc.Records.Entries, 2)
	v, err := tc.Records.ByKey["0413"].Double(true, false)
	require.NoError(t, err)
	assert.Equal(t, 7.704, v)
}

func TestParseCompactUnknownSignature(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	tg.SetSignatureCache(NewSignatureCache())
	ok := tg.Parse(testFrame(t, compactTelegram), &MeterKeys{}, false)
	assert.False(t, ok)
	last := tg.Explanations[len(tg.Explanations)-1]
	assert.Equal(t, Compressed, last.Understanding)
	// The header still parsed, so the telegram can render id and
	// metadata.
	assert.Equal(t, "12345678", tg.Address().IDString())
}

func TestParseHeaderOnly(t *testing.T) {
	tg := NewTelegram(AboutTelegram{})
	require.True(t, tg.ParseHeader(testFrame(t, mode5Telegram)))
	assert.Equal(t, "12345678", tg.Address().IDString())
	// Header parsing never decrypts.
	assert.Nil(t, tg.Records)
}

func TestParseTruncated(t *testing.T) {
	full := unhex(t, plainTelegram)
	for n := 1; n < len(full); n++ {
		tg := NewTelegram(AboutTelegram{})
		// Must never panic, whatever the truncation.
		tg.Parse(&frame.Frame{Data: full[:n], Mode: frame.ModeT1}, &MeterKeys{}, false)
	}
}

func TestMfctSpecificCI(t *testing.T) {
	// CI 0xA6 is manufacturer specific: bytes recorded, not parsed.
	raw := unhex(t, "0e44ae4c785634126807a6deadbeef")
	tg := NewTelegram(AboutTelegram{})
	require.True(t, tg.Parse(&frame.Frame{Data: raw, Mode: frame.ModeT1}, &MeterKeys{}, false))
	assert.Equal(t, byte(0xa6), tg.TplCI)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, tg.MfctData())
}
