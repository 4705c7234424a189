package link

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/harmonize-bridge/internal/principal"
)

const nonceLen = 16

type Config struct {
	Now    func() time.Time
	Rand   io.Reader
	Logger *slog.Logger
}

// Registry runs the challenge/response linking protocol.
//
// Per address: UNLINKED or LINKED -> CHALLENGED -> LINKED. Issuing a challenge drops any
// existing link, so the address grants no access until a sign-in succeeds.
type Registry struct {
	challenges ChallengeStore
	links      Store
	cfg        Config
	log        *slog.Logger
}

func NewRegistry(challenges ChallengeStore, links Store, cfg Config) (*Registry, error) {
	if challenges == nil || links == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{challenges: challenges, links: links, cfg: cfg, log: log}, nil
}

// Challenge issues a fresh challenge for addr, invalidating any earlier one and unlinking addr.
func (r *Registry) Challenge(ctx context.Context, addr common.Address) (string, error) {
	if (addr == common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidInput)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(r.cfg.Rand, nonce); err != nil {
		return "", fmt.Errorf("link: read nonce: %w", err)
	}
	text := ChallengeText(addr, nonce)
	prev, err := r.links.Get(ctx, addr)
	switch {
	case err == nil:
		if err := r.links.Unbind(ctx, addr); err != nil {
			return "", err
		}
		r.log.Info("address unlinked pending sign-in", "address", addr.Hex(), "principal", prev.Principal.Hex())
	case !errors.Is(err, ErrNotFound):
		return "", err
	}
	if err := r.challenges.Put(ctx, addr, text); err != nil {
		return "", err
	}
	r.log.Debug("sign-in challenge issued", "address", addr.Hex())
	return text, nil
}

// SignIn binds caller to addr if sig is addr's signature over the outstanding challenge.
//
// A failed verification leaves the challenge in place for a retry and the address unlinked.
func (r *Registry) SignIn(ctx context.Context, caller principal.Principal, addr common.Address, sig []byte) error {
	if caller.Zero() {
		return fmt.Errorf("%w: zero principal", ErrInvalidInput)
	}
	if (addr == common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidInput)
	}

	challenge, err := r.challenges.Get(ctx, addr)
	if err != nil {
		return err
	}
	signer, err := Recover(challenge, sig)
	if err != nil {
		return err
	}
	if signer != addr {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, signer.Hex())
	}

	// A concurrent Challenge or SignIn for the same address makes this fail with ErrNoChallenge.
	if err := r.challenges.Consume(ctx, addr, challenge); err != nil {
		return err
	}

	if err := r.links.Bind(ctx, Link{Address: addr, Principal: caller, LinkedAt: r.cfg.Now().UTC()}); err != nil {
		return err
	}
	r.log.Info("address linked", "address", addr.Hex(), "principal", caller.Hex())
	return nil
}

// HasAccess reports whether addr is currently linked to p.
func (r *Registry) HasAccess(ctx context.Context, p principal.Principal, addr common.Address) (bool, error) {
	l, err := r.links.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return l.Principal == p, nil
}

// Linked returns the addresses currently linked to p.
func (r *Registry) Linked(ctx context.Context, p principal.Principal) ([]common.Address, error) {
	ls, err := r.links.ListByPrincipal(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Address)
	}
	return out, nil
}
