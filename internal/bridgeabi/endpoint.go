package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("bridgeabi: invalid input")

const (
	EventDepositEth   = "DepositEth"
	EventDepositErc20 = "DepositErc20"
)

var (
	initOnce sync.Once
	initErr  error

	endpointABI abi.ABI
	erc20ABI    abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		endpointABI, err = abi.JSON(strings.NewReader(endpointABIJSON))
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: parse endpoint ABI: %w", err)
			return
		}
		erc20ABI, err = abi.JSON(strings.NewReader(erc20TransferABIJSON))
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: parse erc20 ABI: %w", err)
			return
		}
	})
	return initErr
}

// Endpoint returns the parsed endpoint contract ABI.
func Endpoint() (abi.ABI, error) {
	if err := initABI(); err != nil {
		return abi.ABI{}, err
	}
	return endpointABI, nil
}

// DepositTopics returns the topic0 values of the deposit events, in the order
// DepositEth, DepositErc20.
func DepositTopics() ([]common.Hash, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	return []common.Hash{
		endpointABI.Events[EventDepositEth].ID,
		endpointABI.Events[EventDepositErc20].ID,
	}, nil
}

// PackERC20Transfer encodes transfer(to, amount) calldata.
func PackERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (to == common.Address{}) {
		return nil, fmt.Errorf("%w: zero recipient", ErrInvalidInput)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	b, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack transfer: %w", err)
	}
	return b, nil
}

const endpointABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "bytes32", "name": "recipient", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "DepositEth",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": true, "internalType": "bytes32", "name": "recipient", "type": "bytes32"},
      {"indexed": true, "internalType": "address", "name": "token", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "DepositErc20",
    "type": "event"
  },
  {
    "inputs": [
      {"internalType": "bytes32", "name": "recipient", "type": "bytes32"}
    ],
    "name": "depositEth",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "token", "type": "address"},
      {"internalType": "bytes32", "name": "recipient", "type": "bytes32"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "depositErc20",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const erc20TransferABIJSON = `[
  {
    "inputs": [
      {"internalType": "address", "name": "to", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "transfer",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`
