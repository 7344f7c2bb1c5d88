package cipher

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const timestampSuffix = "_1"

// legacyIVBytes are stripped from a decoded x channel. Older runtime versions
// leaked them into the iv string, NewIV never produces them.
var legacyIVBytes = []byte{0x0e, 0x0d, 0x10}

// Envelope is the {x, y, z} triple of one encrypted message. Timestamp and IV
// are the inputs that produced Z, they must stay constant across every edit of
// one logical search.
type Envelope struct {
	X string `json:"x"`
	Y string `json:"y"`
	Z string `json:"z"`

	Timestamp string `json:"-"`
	IV        []byte `json:"-"`
}

// Decrypted is the plaintext content of an envelope.
type Decrypted struct {
	Timestamp string
	IV        []byte
	Payload   []byte
}

// Codec binds the cipher functions to an app name and an unpadding mode.
type Codec struct {
	AppName string
	Mode    Mode
}

func NewCodec(appName string, mode Mode) Codec {
	return Codec{AppName: appName, Mode: mode}
}

// NewIV returns 16 random bytes that contain none of the legacy control bytes.
func NewIV() ([]byte, error) {
	out := make([]byte, 0, BlockSize)
	buf := make([]byte, BlockSize)
	for len(out) < BlockSize {
		_, err := rand.Read(buf)
		if err != nil {
			return nil, err
		}
		for _, b := range buf {
			if bytes.IndexByte(legacyIVBytes, b) >= 0 {
				continue
			}
			out = append(out, b)
			if len(out) == BlockSize {
				break
			}
		}
	}
	return out, nil
}

type envelopeOptions struct {
	timestamp string
	iv        []byte
	now       func() time.Time
}

type EnvelopeOption func(o *envelopeOptions)

// WithTimestamp fixes the envelope timestamp (milliseconds since epoch, as a string).
func WithTimestamp(timestamp string) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.timestamp = timestamp
	}
}

// WithIV fixes the envelope iv bytes.
func WithIV(iv []byte) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.iv = iv
	}
}

// WithClock replaces time.Now as the source of generated timestamps.
func WithClock(now func() time.Time) EnvelopeOption {
	return func(o *envelopeOptions) {
		o.now = now
	}
}

func payloadBytes(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// EncryptEnvelope encrypts payload into the three channels. Strings and byte
// slices are sent as is, everything else is JSON encoded.
func (c Codec) EncryptEnvelope(payload any, opts ...EnvelopeOption) (Envelope, error) {
	o := envelopeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timestamp == "" {
		o.timestamp = strconv.FormatInt(o.now().UnixMilli(), 10)
	}
	if o.iv == nil {
		iv, err := NewIV()
		if err != nil {
			return Envelope{}, fmt.Errorf("generate iv: %w", err)
		}
		o.iv = iv
	}

	body, err := payloadBytes(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}

	return Envelope{
		Y:         EncryptFixedChannel(c.AppName, []byte(o.timestamp+timestampSuffix), TagTimestamp),
		X:         EncryptFixedChannel(c.AppName, o.iv, TagIV),
		Z:         EncryptPayload(c.AppName, o.timestamp, o.iv, body),
		Timestamp: o.timestamp,
		IV:        append([]byte(nil), o.iv...),
	}, nil
}

// DecryptEnvelope recovers the timestamp, iv and payload of an envelope.
func (c Codec) DecryptEnvelope(x, y, z string) (Decrypted, error) {
	rawTimestamp, err := DecryptFixedChannel(c.Mode, c.AppName, y, TagTimestamp)
	if err != nil {
		return Decrypted{}, channelError("y", err)
	}
	timestamp := string(rawTimestamp)
	if strings.HasSuffix(timestamp, timestampSuffix) {
		timestamp = strings.TrimSuffix(timestamp, timestampSuffix)
	} else {
		timestamp = strings.ReplaceAll(timestamp, timestampSuffix, "")
	}

	iv, err := DecryptFixedChannel(c.Mode, c.AppName, x, TagIV)
	if err != nil {
		return Decrypted{}, channelError("x", err)
	}
	for _, b := range legacyIVBytes {
		iv = bytes.ReplaceAll(iv, []byte{b}, nil)
	}

	payload, err := DecryptPayload(c.Mode, c.AppName, timestamp, iv, z)
	if err != nil {
		return Decrypted{}, channelError("z", err)
	}

	return Decrypted{Timestamp: timestamp, IV: iv, Payload: payload}, nil
}

func channelError(channel string, err error) error {
	var decodingErr *DecodingError
	if errors.As(err, &decodingErr) {
		err = decodingErr.Err
	}
	return &DecodingError{Channel: channel, Err: err}
}

// Open is DecryptEnvelope for an Envelope value.
func (c Codec) Open(env Envelope) (Decrypted, error) {
	return c.DecryptEnvelope(env.X, env.Y, env.Z)
}

// Reseal encrypts a new payload under the timestamp and iv of d, which keeps
// the envelope bound to the same upstream search.
func (c Codec) Reseal(d Decrypted, payload any) (Envelope, error) {
	return c.EncryptEnvelope(payload, WithTimestamp(d.Timestamp), WithIV(d.IV))
}
