package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// chainSpec is one --chain value:
//
//	id=<n>,rpc=<url>,contract=<addr>[,start=<block>][,confirmations=<n>]
type chainSpec struct {
	ChainID       uint64
	RPCURL        string
	Contract      common.Address
	StartBlock    uint64
	Confirmations uint64
}

func parseChainSpec(s string) (chainSpec, error) {
	var (
		spec chainSpec
		seen = make(map[string]bool)
	)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return chainSpec{}, fmt.Errorf("chain spec: %q is not key=value", part)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if seen[k] {
			return chainSpec{}, fmt.Errorf("chain spec: duplicate key %q", k)
		}
		seen[k] = true

		var err error
		switch k {
		case "id":
			spec.ChainID, err = strconv.ParseUint(v, 10, 64)
			if err == nil && spec.ChainID == 0 {
				err = fmt.Errorf("must be > 0")
			}
		case "rpc":
			u, perr := url.Parse(v)
			switch {
			case perr != nil:
				err = perr
			case u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss":
				err = fmt.Errorf("unsupported scheme %q", u.Scheme)
			case u.Host == "":
				err = fmt.Errorf("missing host")
			}
			spec.RPCURL = v
		case "contract":
			if !common.IsHexAddress(v) {
				err = fmt.Errorf("not a hex address")
			}
			spec.Contract = common.HexToAddress(v)
		case "start":
			spec.StartBlock, err = strconv.ParseUint(v, 10, 64)
		case "confirmations":
			spec.Confirmations, err = strconv.ParseUint(v, 10, 64)
		default:
			return chainSpec{}, fmt.Errorf("chain spec: unknown key %q", k)
		}
		if err != nil {
			return chainSpec{}, fmt.Errorf("chain spec: %s: %v", k, err)
		}
	}
	if !seen["id"] || !seen["rpc"] || !seen["contract"] {
		return chainSpec{}, fmt.Errorf("chain spec: id, rpc and contract are required")
	}
	if (spec.Contract == common.Address{}) {
		return chainSpec{}, fmt.Errorf("chain spec: contract must be non-zero")
	}
	return spec, nil
}

// chainFlags collects repeated --chain flags.
type chainFlags []chainSpec

func (f *chainFlags) String() string {
	ids := make([]string, 0, len(*f))
	for _, c := range *f {
		ids = append(ids, strconv.FormatUint(c.ChainID, 10))
	}
	return strings.Join(ids, ",")
}

func (f *chainFlags) Set(v string) error {
	spec, err := parseChainSpec(v)
	if err != nil {
		return err
	}
	for _, c := range *f {
		if c.ChainID == spec.ChainID {
			return fmt.Errorf("chain %d given twice", spec.ChainID)
		}
	}
	*f = append(*f, spec)
	return nil
}
