package link

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureLen = 65

// ChallengeText is the exact message a wallet signs to prove control of addr.
func ChallengeText(addr common.Address, nonce []byte) string {
	return fmt.Sprintf("harmonize bridge sign-in\naddress: %s\nnonce: %s", addr.Hex(), hex.EncodeToString(nonce))
}

// SignChallenge produces a personal_sign (EIP-191) signature with v in {27, 28}.
func SignChallenge(key *ecdsa.PrivateKey, challenge string) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrInvalidInput)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(challenge)), key)
	if err != nil {
		return nil, fmt.Errorf("link: sign challenge: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over the EIP-191 hash of msg.
// Both {0,1} and {27,28} recovery ids are accepted.
func Recover(msg string, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLen {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	if s[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[crypto.RecoveryIDOffset])
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseSignature decodes a 0x-prefixed (or bare) hex signature.
func ParseSignature(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signature hex: %v", ErrBadSignature, err)
	}
	if len(b) != SignatureLen {
		return nil, fmt.Errorf("%w: length %d", ErrBadSignature, len(b))
	}
	return b, nil
}
