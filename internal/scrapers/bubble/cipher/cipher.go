// Package cipher replicates the encryption scheme the Bubble runtime applies to
// search and workflow payloads. Every function here is pure: no I/O, and the
// only source of randomness is NewIV / the default envelope options.
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 round count the upstream runtime uses. It is part of
	// the wire protocol, not a tunable security parameter.
	Iterations = 7
	BlockSize  = aes.BlockSize

	// TagIV and TagTimestamp are the fixed IV derivation inputs of the x and y channels.
	TagIV        = "fl1"
	TagTimestamp = "po9"

	keyLength = 32
)

// Mode decides what happens when unpadding finds an invalid pad length.
type Mode int

const (
	// Strict fails with a DecodingError on invalid padding.
	Strict Mode = iota
	// LegacyTolerant returns the decrypted bytes unchanged on invalid padding,
	// matching the behavior of the upstream's own decoder. This can hide data
	// corruption.
	LegacyTolerant
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case LegacyTolerant:
		return "legacy-tolerant"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	ErrInvalidPadding = errors.New("invalid block padding")
	ErrBlockSize      = errors.New("cipher text is not a positive multiple of the block size")
)

// DecodingError is returned when a channel cannot be decoded, the channel is
// one of "x", "y", "z" or "fixed"/"payload" when the lower level helpers are
// called directly.
type DecodingError struct {
	Channel string
	Err     error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decode channel %s: %s", e.Channel, e.Err.Error())
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// DeriveKey is PBKDF2 with HMAC-MD5 as the pseudorandom function.
func DeriveKey(password, salt []byte, iterations, length int) []byte {
	return pbkdf2.Key(password, salt, iterations, length, md5.New)
}

// PadBlock pads data to a multiple of BlockSize with the pad length repeated,
// aligned input always gains a full extra block.
func PadBlock(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// UnpadBlock removes the padding added by PadBlock, the trailing byte must be a
// pad length within 1..BlockSize.
func UnpadBlock(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n < 1 || n > BlockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}
	return data[:len(data)-n], nil
}

// UnpadBlockLegacy is UnpadBlock that returns data unchanged instead of failing.
func UnpadBlockLegacy(data []byte) []byte {
	out, err := UnpadBlock(data)
	if err != nil {
		return data
	}
	return out
}

func unpad(mode Mode, data []byte) ([]byte, error) {
	if mode == LegacyTolerant {
		return UnpadBlockLegacy(data), nil
	}
	return UnpadBlock(data)
}

func encryptCBC(key, iv, plaintext []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		// keys always come from DeriveKey with a valid length
		panic(err)
	}
	padded := PadBlock(plaintext)
	out := make([]byte, len(padded))
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func decryptCBC(mode Mode, key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, ErrBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(ciphertext))
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(mode, out)
}

// EncryptFixedChannel encrypts data for the x/y channels, whose IV is derived
// from a constant tag instead of a random value.
func EncryptFixedChannel(appName string, data []byte, fixedTag string) string {
	iv := DeriveKey([]byte(fixedTag), []byte(appName), Iterations, BlockSize)
	key := DeriveKey([]byte(appName), []byte(appName), Iterations, keyLength)
	return base64.StdEncoding.EncodeToString(encryptCBC(key, iv, data))
}

// DecryptFixedChannel is the inverse of EncryptFixedChannel.
func DecryptFixedChannel(mode Mode, appName, encoded, fixedTag string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecodingError{Channel: "fixed", Err: err}
	}
	iv := DeriveKey([]byte(fixedTag), []byte(appName), Iterations, BlockSize)
	key := DeriveKey([]byte(appName), []byte(appName), Iterations, keyLength)
	out, err := decryptCBC(mode, key, iv, raw)
	if err != nil {
		return nil, &DecodingError{Channel: "fixed", Err: err}
	}
	return out, nil
}

func payloadKey(appName, timestamp string) []byte {
	material := bytes.ReplaceAll([]byte(appName+timestamp), []byte{0x01}, nil)
	return DeriveKey(material, []byte(appName), Iterations, keyLength)
}

// EncryptPayload encrypts the z channel, keyed by the app name and timestamp
// and with an IV derived from the envelope's iv bytes.
func EncryptPayload(appName, timestamp string, iv, payload []byte) string {
	key := payloadKey(appName, timestamp)
	derivedIV := DeriveKey(iv, []byte(appName), Iterations, BlockSize)
	return base64.StdEncoding.EncodeToString(encryptCBC(key, derivedIV, payload))
}

// DecryptPayload is the inverse of EncryptPayload.
func DecryptPayload(mode Mode, appName, timestamp string, iv []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecodingError{Channel: "payload", Err: err}
	}
	key := payloadKey(appName, timestamp)
	derivedIV := DeriveKey(iv, []byte(appName), Iterations, BlockSize)
	out, err := decryptCBC(mode, key, derivedIV, raw)
	if err != nil {
		return nil, &DecodingError{Channel: "payload", Err: err}
	}
	return out, nil
}
