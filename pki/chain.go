package pki

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Chain validation failure reasons. Each is surfaced distinctly so callers
// can tell an expired issuer from a revoked one.
var (
	ErrExpired          = errors.New("certificate outside its validity window")
	ErrRevoked          = errors.New("certificate revoked")
	ErrSignatureInvalid = errors.New("certificate signature invalid")
	ErrBrokenChain      = errors.New("broken certificate chain")
	ErrPathTooLong      = errors.New("certificate chain exceeds allowed path length")
)

// ValidateChain walks the issuer links from the certificate identified by
// serial up to a self-signed root, verifying at every hop that the child's
// signature checks out under the issuer's public key, that validity windows
// cover the current time, that issuers are CAs, and that nothing on the path
// is revoked. It returns the chain ordered leaf to root.
//
// Validation is read-only and safe to call concurrently. It never caches:
// every walk re-reads current store state, which is how the revocation of a
// CA becomes visible to all of its descendants without a cascade step.
func (s *Store) ValidateChain(ctx context.Context, serial string) ([]*Certificate, error) {
	now := time.Now().UTC()

	// A valid chain has at most root + intermediates + leaf hops.
	maxHops := s.policy.MaxIntermediateDepth + 2

	current, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	chain := make([]*Certificate, 0, maxHops)
	seen := make(map[string]bool, maxHops)

	for {
		if seen[current.SerialNumber] {
			return nil, fmt.Errorf("%w: cycle through %s", ErrBrokenChain, current.SerialNumber)
		}
		seen[current.SerialNumber] = true

		if len(chain) == maxHops {
			return nil, fmt.Errorf("%w: more than %d hops", ErrPathTooLong, maxHops)
		}
		if current.Revoked {
			return nil, fmt.Errorf("%w: %s", ErrRevoked, current.SerialNumber)
		}
		if now.Before(current.NotBefore) || now.After(current.NotAfter) {
			return nil, fmt.Errorf("%w: %s", ErrExpired, current.SerialNumber)
		}
		chain = append(chain, current)

		currentX509, err := current.X509()
		if err != nil {
			return nil, err
		}

		if current.SelfSigned() {
			if !current.IsCA {
				return nil, fmt.Errorf("%w: root %s is not a CA", ErrBrokenChain, current.SerialNumber)
			}
			if err := currentX509.CheckSignatureFrom(currentX509); err != nil {
				return nil, fmt.Errorf("%w: root %s: %v", ErrSignatureInvalid, current.SerialNumber, err)
			}
			if intermediates(chain) > s.policy.MaxIntermediateDepth {
				return nil, fmt.Errorf("%w: %d intermediate layer(s), policy allows %d",
					ErrPathTooLong, intermediates(chain), s.policy.MaxIntermediateDepth)
			}
			return chain, nil
		}

		issuer, err := s.GetBySerial(ctx, current.IssuerSerialNumber)
		if errors.Is(err, ErrCertNotFound) {
			return nil, fmt.Errorf("%w: issuer %s of %s not found",
				ErrBrokenChain, current.IssuerSerialNumber, current.SerialNumber)
		}
		if err != nil {
			return nil, err
		}
		if !issuer.IsCA {
			return nil, fmt.Errorf("%w: issuer %s is not a CA", ErrBrokenChain, issuer.SerialNumber)
		}
		issuerX509, err := issuer.X509()
		if err != nil {
			return nil, err
		}
		if err := currentX509.CheckSignatureFrom(issuerX509); err != nil {
			return nil, fmt.Errorf("%w: %s under issuer %s: %v",
				ErrSignatureInvalid, current.SerialNumber, issuer.SerialNumber, err)
		}

		current = issuer
	}
}

// ChainFailure extracts the specific chain validation reason from err, or
// returns nil when err is not a chain failure.
func ChainFailure(err error) error {
	for _, reason := range []error{ErrExpired, ErrRevoked, ErrSignatureInvalid, ErrBrokenChain, ErrPathTooLong} {
		if errors.Is(err, reason) {
			return reason
		}
	}
	return nil
}
