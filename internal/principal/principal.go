package principal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Len is the size of a native principal in bytes.
	Len = 29
	// WireLen is the size of the cross-chain field a principal is embedded into.
	WireLen = 32

	padLen = WireLen - Len
)

var (
	ErrInvalid   = errors.New("principal: invalid")
	ErrMalformed = errors.New("principal: malformed wire encoding")
)

// Principal is the native account identifier used as the ledger's account key.
type Principal [Len]byte

// Zero reports whether p is the all-zero principal, which never identifies an account.
func (p Principal) Zero() bool {
	return p == Principal{}
}

// Hex returns the 0x-prefixed lowercase hex form.
func (p Principal) Hex() string {
	return "0x" + hex.EncodeToString(p[:])
}

func (p Principal) String() string { return p.Hex() }

func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.Hex()), nil
}

func (p *Principal) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Embed returns the 32-byte wire form: 3 zero bytes followed by the principal.
func (p Principal) Embed() [WireLen]byte {
	var out [WireLen]byte
	copy(out[padLen:], p[:])
	return out
}

// Extract recovers a principal from its 32-byte wire form.
//
// The leading pad must be zero and the principal must be non-zero; anything else is ErrMalformed.
func Extract(wire [WireLen]byte) (Principal, error) {
	for i := 0; i < padLen; i++ {
		if wire[i] != 0 {
			return Principal{}, fmt.Errorf("%w: non-zero pad byte at %d", ErrMalformed, i)
		}
	}
	var p Principal
	copy(p[:], wire[padLen:])
	if p.Zero() {
		return Principal{}, fmt.Errorf("%w: zero principal", ErrMalformed)
	}
	return p, nil
}

// FromBytes builds a principal from exactly Len bytes.
func FromBytes(b []byte) (Principal, error) {
	if len(b) != Len {
		return Principal{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalid, Len, len(b))
	}
	var p Principal
	copy(p[:], b)
	if p.Zero() {
		return Principal{}, fmt.Errorf("%w: zero principal", ErrInvalid)
	}
	return p, nil
}

// Parse decodes a hex principal, with or without 0x prefix.
func Parse(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromBytes(b)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Principal {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}
