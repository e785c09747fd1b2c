package wire

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"e2ee/internal/domain"
)

// EnvelopeVersion prefixes every encoded envelope.
const EnvelopeVersion byte = 1

// MaxEnvelopeSize bounds what DecodeEnvelope accepts.
const MaxEnvelopeSize = 1 << 20

const tagSize = 16

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 256,
		MaxMapPairs:      16,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeEnvelope serialises env for the transport.
func EncodeEnvelope(env domain.Envelope) ([]byte, error) {
	body, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append([]byte{EnvelopeVersion}, body...), nil
}

// DecodeEnvelope parses and sanity-checks an encoded envelope. Every
// failure wraps domain.ErrMalformedMessage.
func DecodeEnvelope(b []byte) (domain.Envelope, error) {
	switch {
	case len(b) == 0:
		return domain.Envelope{}, fmt.Errorf("%w: empty envelope", domain.ErrMalformedMessage)
	case len(b) > MaxEnvelopeSize:
		return domain.Envelope{}, fmt.Errorf("%w: envelope of %d bytes", domain.ErrMalformedMessage, len(b))
	case b[0] != EnvelopeVersion:
		return domain.Envelope{}, fmt.Errorf("%w: unsupported version %d", domain.ErrMalformedMessage, b[0])
	}
	var env domain.Envelope
	if err := decMode.Unmarshal(b[1:], &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if env.Header.RatchetKey.IsZero() {
		return domain.Envelope{}, fmt.Errorf("%w: missing ratchet key", domain.ErrMalformedMessage)
	}
	if len(env.Tag) != tagSize {
		return domain.Envelope{}, fmt.Errorf("%w: tag of %d bytes", domain.ErrMalformedMessage, len(env.Tag))
	}
	if pk := env.PreKey; pk != nil && (pk.IdentityKey.IsZero() || pk.EphemeralKey.IsZero()) {
		return domain.Envelope{}, fmt.Errorf("%w: incomplete pre-key header", domain.ErrMalformedMessage)
	}
	return env, nil
}

// EncodeToken renders env as unpadded base64url text for text channels.
func EncodeToken(env domain.Envelope) (string, error) {
	b, err := EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeToken is the inverse of EncodeToken. Surrounding whitespace is ignored.
func DecodeToken(tok string) (domain.Envelope, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(tok))
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return DecodeEnvelope(b)
}
