package eth

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSigner = errors.New("eth: invalid signer")

// Signer signs withdrawal transactions for the bridge hot wallet.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner holds the hot wallet key in process memory.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	s := &LocalSigner{key: key}
	if key != nil {
		s.addr = crypto.PubkeyToAddress(key.PublicKey)
	}
	return s
}

func (s *LocalSigner) Address() common.Address { return s.addr }

// SignTx signs with the latest signer for chainID; the same key serves every configured chain.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	switch {
	case s == nil || s.key == nil:
		return nil, ErrInvalidSigner
	case tx == nil:
		return nil, errors.Join(ErrInvalidSigner, errors.New("nil transaction"))
	case chainID == nil || chainID.Sign() <= 0:
		return nil, errors.Join(ErrInvalidSigner, errors.New("chain id must be > 0"))
	}
	// Legacy transactions carry no chain id until signed.
	if tx.Type() != types.LegacyTxType && tx.ChainId().Cmp(chainID) != 0 {
		return nil, errors.Join(ErrInvalidSigner, errors.New("transaction chain id mismatch"))
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
