package eth

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// DefaultMinTipCap is the floor for the suggested priority fee (1.5 gwei).
var DefaultMinTipCap = big.NewInt(1_500_000_000)

const (
	// FeeHistoryBlocks is how many recent blocks feed the tip estimate.
	FeeHistoryBlocks = 9
	// FeeHistoryPercentile is the per-block reward percentile requested from eth_feeHistory.
	FeeHistoryPercentile = 95
)

// TipFromFeeHistory returns the median across blocks of the per-block reward percentile, and the
// newest base fee. Empty reward data yields a zero tip, as on fresh dev chains.
func TipFromFeeHistory(h *ethereum.FeeHistory) (tip, baseFee *big.Int, err error) {
	if h == nil || len(h.BaseFee) == 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	baseFee = h.BaseFee[len(h.BaseFee)-1]
	if baseFee == nil || baseFee.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	var rewards []*big.Int
	for _, row := range h.Reward {
		for _, r := range row {
			if r != nil && r.Sign() >= 0 {
				rewards = append(rewards, r)
			}
		}
	}
	if len(rewards) == 0 {
		return big.NewInt(0), new(big.Int).Set(baseFee), nil
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i].Cmp(rewards[j]) < 0 })
	return new(big.Int).Set(rewards[(len(rewards)-1)/2]), new(big.Int).Set(baseFee), nil
}

// Calc1559Fees prices a fresh withdrawal: the tip is the suggestion raised to minTipCap and the
// fee cap leaves room for the base fee to double.
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if !nonNegative(baseFee, suggestedTipCap, minTipCap) {
		return nil, nil, ErrInvalidFeeArgs
	}
	tipCap = maxBig(suggestedTipCap, minTipCap)
	feeCap = new(big.Int).Lsh(baseFee, 1)
	feeCap.Add(feeCap, tipCap)
	return tipCap, feeCap, nil
}

// Bump1559Fees raises both caps by bumpPercent for a replacement transaction, by at least the given
// absolute minimums when they are non-nil. The fee cap never ends below the tip.
func Bump1559Fees(tipCap, feeCap *big.Int, bumpPercent int, minTipBump, minFeeCapBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if bumpPercent <= 0 || !nonNegative(tipCap, feeCap) {
		return nil, nil, ErrInvalidFeeArgs
	}
	if (minTipBump != nil && minTipBump.Sign() < 0) || (minFeeCapBump != nil && minFeeCapBump.Sign() < 0) {
		return nil, nil, ErrInvalidFeeArgs
	}
	newTipCap = bumpBy(tipCap, bumpPercent, minTipBump)
	newFeeCap = maxBig(bumpBy(feeCap, bumpPercent, minFeeCapBump), newTipCap)
	return newTipCap, newFeeCap, nil
}

func bumpBy(v *big.Int, pct int, minStep *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Quo(out, big.NewInt(100))
	if minStep != nil {
		out = maxBig(out, new(big.Int).Add(v, minStep))
	}
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func nonNegative(vs ...*big.Int) bool {
	for _, v := range vs {
		if v == nil || v.Sign() < 0 {
			return false
		}
	}
	return true
}
