package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/plume-impactor/impactor/pkg/fault"
)

// Labels for the keys protecting the profile blob.
const (
	extraDataKeyLabel = "extra data key:"
	extraDataIVLabel  = "extra data iv:"
)

// gcmHeader prefixes app token blobs and is authenticated as additional data.
var gcmHeader = []byte("XYZ")

const gcmNonceSize = 16

// createSessionKey derives HMAC-SHA256(key, label).
func createSessionKey(key []byte, label string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// profileKeys derives the AES-256 key and CBC IV for the profile blob from
// the SRP session key.
func profileKeys(sessionKey []byte) (key, iv []byte) {
	key = createSessionKey(sessionKey, extraDataKeyLabel)
	iv = createSessionKey(sessionKey, extraDataIVLabel)[:aes.BlockSize]
	return key, iv
}

// decryptCBC decrypts the profile blob. Any failure, including bad padding,
// is reported as fault.ErrDecrypt.
func decryptCBC(sessionKey, data []byte) ([]byte, error) {
	key, iv := profileKeys(sessionKey)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrDecrypt, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", fault.ErrDecrypt, len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", fault.ErrDecrypt)
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: invalid padding", fault.ErrDecrypt)
	}
	return data[:len(data)-n], nil
}

// decryptGCM decrypts an app token blob: "XYZ" | 16-byte nonce | ciphertext | tag.
func decryptGCM(key, data []byte) ([]byte, error) {
	if len(data) < len(gcmHeader)+gcmNonceSize+16 {
		return nil, fmt.Errorf("%w: token blob too short", fault.ErrDecrypt)
	}
	header := data[:len(gcmHeader)]
	if !bytes.Equal(header, gcmHeader) {
		return nil, fmt.Errorf("%w: unexpected token blob header %q", fault.ErrDecrypt, header)
	}
	nonce := data[len(gcmHeader) : len(gcmHeader)+gcmNonceSize]
	sealed := data[len(gcmHeader)+gcmNonceSize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrDecrypt, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrDecrypt, err)
	}
	plain, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrDecrypt, err)
	}
	return plain, nil
}

// checksum computes the app token request checksum.
func checksum(sessionKey []byte, parts ...string) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return mac.Sum(nil)
}
