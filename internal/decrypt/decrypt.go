// Package decrypt implements streaming AES-CTR decipherment of fetched
// media. The counter block derives from the byte offset alone, so chunks
// decrypt independently and out of order with no shared cipher state.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey means the key reference or unwrapped key material was
	// rejected; the owning task fails immediately without retry.
	ErrInvalidKey = errors.New("invalid decryption key material")

	// ErrMisalignedOffset means a chunk boundary fell inside a cipher
	// block; the planner is expected to keep encrypted chunks aligned.
	ErrMisalignedOffset = errors.New("chunk offset not aligned to cipher block")
)

// BlockSize is the cipher block granularity encrypted chunk offsets must
// respect.
const BlockSize = aes.BlockSize

const (
	streamKeySize   = 16
	streamNonceSize = 8
)

// UnwrapToken decrypts a base64 security token under the master key and
// returns the per-resource stream key and nonce. The token layout is a
// 16-byte IV followed by AES-CBC ciphertext whose plaintext starts with
// the 16-byte key and 8-byte nonce.
func UnwrapToken(masterKey []byte, token string) (key, nonce []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: token is not base64: %v", ErrInvalidKey, err)
	}
	if len(raw) < 2*aes.BlockSize {
		return nil, nil, fmt.Errorf("%w: token too short", ErrInvalidKey)
	}
	iv := raw[:aes.BlockSize]
	encrypted := raw[aes.BlockSize:]
	if len(encrypted)%aes.BlockSize != 0 {
		return nil, nil, fmt.Errorf("%w: token ciphertext not block aligned", ErrInvalidKey)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	plain := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, encrypted)
	if len(plain) < streamKeySize+streamNonceSize {
		return nil, nil, fmt.Errorf("%w: unwrapped token too short", ErrInvalidKey)
	}
	key = plain[:streamKeySize]
	nonce = plain[streamKeySize : streamKeySize+streamNonceSize]
	if allZero(key) || allZero(nonce) {
		return nil, nil, fmt.Errorf("%w: unwrap produced zero key or nonce", ErrInvalidKey)
	}
	return key, nonce, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Decryptor deciphers a single resource's stream. Safe for concurrent use;
// every call derives a fresh CTR stream from the offset.
type Decryptor struct {
	block cipher.Block
	nonce []byte
}

// New builds a Decryptor from a 16-byte stream key and 8-byte nonce.
func New(key, nonce []byte) (*Decryptor, error) {
	if len(nonce) != streamNonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidKey, streamNonceSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Decryptor{block: block, nonce: append([]byte(nil), nonce...)}, nil
}

// NewFromToken unwraps a security token and builds the Decryptor.
func NewFromToken(masterKey []byte, token string) (*Decryptor, error) {
	key, nonce, err := UnwrapToken(masterKey, token)
	if err != nil {
		return nil, err
	}
	return New(key, nonce)
}

// stream derives the CTR stream positioned at offset: counter block is
// nonce followed by the big-endian block index offset/16.
func (d *Decryptor) stream(offset int64) (cipher.Stream, error) {
	if offset%BlockSize != 0 {
		return nil, ErrMisalignedOffset
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, d.nonce)
	binary.BigEndian.PutUint64(iv[streamNonceSize:], uint64(offset/BlockSize))
	return cipher.NewCTR(d.block, iv), nil
}

// DecryptAt deciphers src, which was fetched starting at the given byte
// offset of the resource, into dst. dst and src may overlap exactly.
func (d *Decryptor) DecryptAt(dst, src []byte, offset int64) error {
	stream, err := d.stream(offset)
	if err != nil {
		return err
	}
	stream.XORKeyStream(dst, src)
	return nil
}

// Reader wraps r so reads yield plaintext for ciphertext beginning at
// offset, without buffering the resource.
func (d *Decryptor) Reader(r io.Reader, offset int64) (io.Reader, error) {
	stream, err := d.stream(offset)
	if err != nil {
		return nil, err
	}
	return &cipher.StreamReader{S: stream, R: r}, nil
}
