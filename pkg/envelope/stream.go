package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// fileChunkSize is the unit of streamed file I/O. Must be a multiple of the
// AES block size so CBC chaining lines up across chunks.
const fileChunkSize = 1024

// EncryptFile seals the file at inPath into outPath using the same envelope
// layout as Encrypt, written raw (no base64). Data is processed in fixed-size
// chunks with one running MAC, so arbitrarily large files never need to fit
// in memory.
func (c *Crypto) EncryptFile(inPath, outPath, password string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	salt, err := randomBytes(saltLen)
	if err != nil {
		return err
	}
	iv, err := randomBytes(ivLen)
	if err != nil {
		return err
	}
	aesKey, macKey, err := c.keys(salt, password)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return err
	}

	if _, err := out.Write(salt); err != nil {
		return err
	}
	if _, err := out.Write(iv); err != nil {
		return err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)

	var cbc cipher.BlockMode
	var cfb cipher.Stream
	if c.mode == ModeCBC {
		cbc = cipher.NewCBCEncrypter(block, iv)
	} else {
		cfb = cipher.NewCFBEncrypter(block, iv)
	}

	buf := make([]byte, fileChunkSize)
	for {
		n, readErr := io.ReadFull(in, buf)
		chunk := buf[:n]
		final := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if readErr != nil && !final {
			return readErr
		}

		if c.mode == ModeCBC {
			if final {
				chunk = pad(chunk, aes.BlockSize)
			}
			ct := make([]byte, len(chunk))
			cbc.CryptBlocks(ct, chunk)
			chunk = ct
		} else {
			ct := make([]byte, len(chunk))
			cfb.XORKeyStream(ct, chunk)
			chunk = ct
		}

		mac.Write(chunk)
		if _, err := out.Write(chunk); err != nil {
			return err
		}
		if final {
			break
		}
	}

	_, err = out.Write(mac.Sum(nil))
	return err
}

// DecryptFile opens a file sealed with EncryptFile. The whole ciphertext is
// MAC-verified in a first streaming pass before any plaintext is written.
func (c *Crypto) DecryptFile(inPath, outPath, password string) error {
	info, err := os.Stat(inPath)
	if err != nil {
		return err
	}
	ctLen := info.Size() - saltLen - ivLen - macLen
	if ctLen < 0 {
		return ErrAuthentication
	}
	if c.mode == ModeCBC && (ctLen == 0 || ctLen%aes.BlockSize != 0) {
		return ErrAuthentication
	}

	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	salt := make([]byte, saltLen)
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(in, salt); err != nil {
		return ErrAuthentication
	}
	if _, err := io.ReadFull(in, iv); err != nil {
		return ErrAuthentication
	}

	aesKey, macKey, err := c.keys(salt, password)
	if err != nil {
		return err
	}

	// First pass: verify the MAC over iv + ciphertext.
	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	if _, err := io.CopyN(mac, in, ctLen); err != nil {
		return ErrAuthentication
	}
	expected := make([]byte, macLen)
	if _, err := io.ReadFull(in, expected); err != nil {
		return ErrAuthentication
	}
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return ErrAuthentication
	}

	// Second pass: decrypt chunk by chunk.
	if _, err := in.Seek(saltLen+ivLen, io.SeekStart); err != nil {
		return err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	var cbc cipher.BlockMode
	var cfb cipher.Stream
	if c.mode == ModeCBC {
		cbc = cipher.NewCBCDecrypter(block, iv)
	} else {
		cfb = cipher.NewCFBDecrypter(block, iv)
	}

	var pending []byte
	remaining := ctLen
	buf := make([]byte, fileChunkSize)
	for remaining > 0 {
		n := int64(fileChunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(in, buf[:n]); err != nil {
			return err
		}
		plain := make([]byte, n)
		if c.mode == ModeCBC {
			cbc.CryptBlocks(plain, buf[:n])
		} else {
			cfb.XORKeyStream(plain, buf[:n])
		}
		if pending != nil {
			if _, err := out.Write(pending); err != nil {
				return err
			}
		}
		pending = plain
		remaining -= n
	}

	if c.mode == ModeCBC {
		pending, err = unpad(pending, aes.BlockSize)
		if err != nil {
			return fmt.Errorf("envelope: corrupt padding: %w", ErrAuthentication)
		}
	}
	if pending != nil {
		if _, err := out.Write(pending); err != nil {
			return err
		}
	}
	return nil
}
