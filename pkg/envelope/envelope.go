// Package envelope implements the authenticated encryption format used on the
// Wraith wire: salt[16] + iv[16] + ciphertext[n] + mac[32], HMAC-SHA256 over
// iv + ciphertext. Working keys are derived per message: PBKDF2-SHA512 when a
// password is supplied, HKDF-SHA256 when a raw master key is set, so the
// cipher key and the MAC key are never the same material.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	ModeCBC = "CBC"
	ModeCFB = "CFB"

	saltLen   = 16
	ivLen     = 16
	macLen    = 32
	macKeyLen = 32

	// DefaultKeyIterations is the PBKDF2 round count for password-derived keys.
	DefaultKeyIterations = 20000
)

// ErrAuthentication is returned when an envelope fails MAC verification or is
// otherwise not decryptable with the supplied secret. Callers performing trial
// decryption with multiple candidate keys treat it as "try the next key".
var ErrAuthentication = errors.New("envelope: message authentication failed")

// ErrNoKey is returned when neither a password nor a master key is available.
// Unlike ErrAuthentication this signals a caller bug, not a bad ciphertext.
var ErrNoKey = errors.New("envelope: no password or master key set")

// Crypto encrypts and decrypts envelopes using AES CBC or CFB with 128, 192
// or 256 bit keys. The zero value is not usable; construct with New.
type Crypto struct {
	mode      string
	keyLen    int
	masterKey []byte

	// KeyIterations is the PBKDF2 round count used for password secrets.
	KeyIterations int
	// Base64 controls whether envelopes are base64 rendered on the wire.
	Base64 bool
}

// New returns a Crypto for the given mode ("CBC" or "CFB") and key size in
// bits (128, 192 or 256). An unsupported combination is a construction error.
func New(mode string, size int) (*Crypto, error) {
	mode = strings.ToUpper(mode)
	if mode != ModeCBC && mode != ModeCFB {
		return nil, fmt.Errorf("envelope: mode %q is not supported", mode)
	}
	if size != 128 && size != 192 && size != 256 {
		return nil, fmt.Errorf("envelope: invalid key size %d", size)
	}
	return &Crypto{
		mode:          mode,
		keyLen:        size / 8,
		KeyIterations: DefaultKeyIterations,
		Base64:        true,
	}, nil
}

// Encrypt seals plaintext with the supplied password, or with the master key
// when password is empty.
func (c *Crypto) Encrypt(plaintext []byte, password string) ([]byte, error) {
	data := plaintext
	if c.mode == ModeCBC {
		data = pad(plaintext, aes.BlockSize)
	}

	salt, err := randomBytes(saltLen)
	if err != nil {
		return nil, err
	}
	iv, err := randomBytes(ivLen)
	if err != nil {
		return nil, err
	}

	aesKey, macKey, err := c.keys(salt, password)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(data))
	switch c.mode {
	case ModeCBC:
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, data)
	case ModeCFB:
		cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, data)
	}

	mac := sign(iv, ciphertext, macKey)

	out := make([]byte, 0, saltLen+ivLen+len(ciphertext)+macLen)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, mac...)

	if c.Base64 {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
		base64.StdEncoding.Encode(encoded, out)
		return encoded, nil
	}
	return out, nil
}

// Decrypt opens an envelope. The MAC is verified with a constant-time compare
// before any plaintext is produced; any mismatch, truncation or bad encoding
// yields ErrAuthentication.
func (c *Crypto) Decrypt(data []byte, password string) ([]byte, error) {
	raw := data
	if c.Base64 {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, data)
		if err != nil {
			return nil, ErrAuthentication
		}
		raw = decoded[:n]
	}

	if len(raw) < saltLen+ivLen+macLen {
		return nil, ErrAuthentication
	}
	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	ciphertext := raw[saltLen+ivLen : len(raw)-macLen]
	mac := raw[len(raw)-macLen:]

	aesKey, macKey, err := c.keys(salt, password)
	if err != nil {
		return nil, err
	}

	if !hmac.Equal(mac, sign(iv, ciphertext, macKey)) {
		return nil, ErrAuthentication
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	switch c.mode {
	case ModeCBC:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, ErrAuthentication
		}
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
		plaintext, err = unpad(plaintext, aes.BlockSize)
		if err != nil {
			return nil, err
		}
	case ModeCFB:
		cipher.NewCFBDecrypter(block, iv).XORKeyStream(plaintext, ciphertext)
	}
	return plaintext, nil
}

// SetMasterKey installs a raw master key. When raw is false the key is
// expected to be base64 encoded.
func (c *Crypto) SetMasterKey(key []byte, raw bool) error {
	if !raw {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(key)))
		n, err := base64.StdEncoding.Decode(decoded, key)
		if err != nil {
			return fmt.Errorf("envelope: invalid master key encoding: %w", err)
		}
		key = decoded[:n]
	}
	c.masterKey = append([]byte(nil), key...)
	return nil
}

// MasterKey returns the current master key, base64 encoded unless raw is set.
func (c *Crypto) MasterKey(raw bool) ([]byte, error) {
	if c.masterKey == nil {
		return nil, ErrNoKey
	}
	if raw {
		return append([]byte(nil), c.masterKey...), nil
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(c.masterKey)))
	base64.StdEncoding.Encode(encoded, c.masterKey)
	return encoded, nil
}

// RandomKeyGen replaces the master key with keyLen fresh random bytes and
// returns it, base64 encoded unless raw is set.
func (c *Crypto) RandomKeyGen(keyLen int, raw bool) ([]byte, error) {
	key, err := randomBytes(keyLen)
	if err != nil {
		return nil, err
	}
	c.masterKey = key
	return c.MasterKey(raw)
}

// keys derives the cipher key and MAC key for one envelope. A non-empty
// password takes the slow PBKDF2 path; otherwise the master key is expanded
// with HKDF.
func (c *Crypto) keys(salt []byte, password string) (aesKey, macKey []byte, err error) {
	var dk []byte
	switch {
	case password != "":
		dk = pbkdf2.Key([]byte(password), salt, c.KeyIterations, c.keyLen+macKeyLen, sha512.New)
	case c.masterKey != nil:
		dk = make([]byte, c.keyLen+macKeyLen)
		if _, err := io.ReadFull(hkdf.New(sha256.New, c.masterKey, salt, nil), dk); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, ErrNoKey
	}
	return dk[:c.keyLen], dk[c.keyLen:], nil
}

func sign(iv, ciphertext, macKey []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// unpad validates PKCS#7 padding without branching on pad byte values, so the
// time taken does not depend on how much of the padding is well formed.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrAuthentication
	}
	padLen := int(data[len(data)-1])
	good := subtle.ConstantTimeLessOrEq(1, padLen)
	good &= subtle.ConstantTimeLessOrEq(padLen, blockSize)

	for i := 0; i < blockSize; i++ {
		idx := len(data) - 1 - i
		inPad := subtle.ConstantTimeLessOrEq(i+1, padLen)
		eq := subtle.ConstantTimeByteEq(data[idx], byte(padLen))
		good &= subtle.ConstantTimeSelect(inPad, eq, 1)
	}

	if good != 1 {
		return nil, ErrAuthentication
	}
	return data[:len(data)-padLen], nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
