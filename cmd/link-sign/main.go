// Command link-sign signs a bridge sign-in challenge with an EVM key so the signature can be
// submitted to POST /v1/sign-in/signature.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/juno-intents/harmonize-bridge/internal/eth"
	"github.com/juno-intents/harmonize-bridge/internal/link"
)

const maxChallengeBytes = 4 << 10

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer, getenv func(string) string) error {
	var challenge string
	var keyEnv string
	var showAddress bool

	fs := flag.NewFlagSet("link-sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&challenge, "challenge", "", "challenge text; read from stdin when empty")
	fs.StringVar(&keyEnv, "key-env", "LINK_SIGNER_KEY", "env var holding the 0x-prefixed private key hex")
	fs.BoolVar(&showAddress, "print-address", false, "also print the signing address on a second line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(keyEnv) == "" {
		return errors.New("--key-env must be non-empty")
	}

	key, err := eth.ParsePrivateKeyHex(getenv(keyEnv))
	if err != nil {
		return fmt.Errorf("%s: %w", keyEnv, err)
	}

	if challenge == "" {
		raw, err := io.ReadAll(io.LimitReader(stdin, maxChallengeBytes+1))
		if err != nil {
			return fmt.Errorf("read challenge: %w", err)
		}
		if len(raw) > maxChallengeBytes {
			return errors.New("challenge too large")
		}
		// Only the line terminator is stripped; the challenge text itself is signed verbatim.
		challenge = strings.TrimRight(string(raw), "\r\n")
	}
	if challenge == "" {
		return errors.New("empty challenge")
	}

	sig, err := link.SignChallenge(key, challenge)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(stdout, hexutil.Encode(sig)); err != nil {
		return err
	}
	if showAddress {
		if _, err := fmt.Fprintln(stdout, crypto.PubkeyToAddress(key.PublicKey).Hex()); err != nil {
			return err
		}
	}
	return nil
}
