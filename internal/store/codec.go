package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"e2ee/internal/domain"
)

// stateCodecVersion prefixes every encoded ratchet state.
const stateCodecVersion byte = 1

var (
	stateEncMode cbor.EncMode
	stateDecMode cbor.DecMode
)

func init() {
	eo := cbor.CanonicalEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	var err error
	if stateEncMode, err = eo.EncMode(); err != nil {
		panic(err)
	}
	if stateDecMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeRatchetState serialises st, including the skipped-key cache.
func EncodeRatchetState(st domain.RatchetState) ([]byte, error) {
	body, err := stateEncMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode ratchet state: %w", err)
	}
	return append([]byte{stateCodecVersion}, body...), nil
}

// DecodeRatchetState is the inverse of EncodeRatchetState.
func DecodeRatchetState(b []byte) (domain.RatchetState, error) {
	if len(b) == 0 {
		return domain.RatchetState{}, fmt.Errorf("decode ratchet state: empty record")
	}
	if b[0] != stateCodecVersion {
		return domain.RatchetState{}, fmt.Errorf("decode ratchet state: unsupported version %d", b[0])
	}
	var st domain.RatchetState
	if err := stateDecMode.Unmarshal(b[1:], &st); err != nil {
		return domain.RatchetState{}, fmt.Errorf("decode ratchet state: %w", err)
	}
	if st.Skipped == nil {
		st.Skipped = make(map[string]domain.SkippedKey)
	}
	return st, nil
}
