package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// GenesisHash is the previous hash of the first event in a chain.
var GenesisHash = strings.Repeat("0", 64)

// ErrChainBroken is returned by Verify when an event does not match its
// signature or predecessor.
var ErrChainBroken = errors.New("audit chain broken")

// lastReader is implemented by sinks that can read back their newest event.
type lastReader interface {
	Last() (Event, bool, error)
}

// ChainHead returns the signature of the last stored event, looking through
// an AsyncSink. Bolt and file sinks are read back; other sinks yield "",
// which starts a new chain.
func ChainHead(s Sink) (string, error) {
	if a, ok := s.(*AsyncSink); ok {
		s = a.next
	}
	r, ok := s.(lastReader)
	if !ok {
		return "", nil
	}
	e, found, err := r.Last()
	if err != nil || !found {
		return "", err
	}
	return e.Signature, nil
}

// Signer links events into a tamper-evident chain: each event carries the
// signature of its predecessor and an HMAC-SHA256 over its own redacted line.
type Signer struct {
	key  []byte
	last string
}

// NewSigner creates a Signer. prev continues an existing chain; empty starts
// a new one at GenesisHash.
func NewSigner(key []byte, prev string) *Signer {
	if prev == "" {
		prev = GenesisHash
	}
	return &Signer{key: key, last: prev}
}

// Last returns the signature of the most recently written event.
func (s *Signer) Last() string {
	return s.last
}

func (s *Signer) sign(e Event) ([]byte, string, error) {
	e.PrevHash = s.last
	e.Signature = ""
	body, err := Encode(e)
	if err != nil {
		return nil, "", err
	}
	e.Signature = s.mac(body)
	line, err := Encode(e)
	if err != nil {
		return nil, "", err
	}
	return line, e.Signature, nil
}

// advance is called once the signed line reached the sink.
func (s *Signer) advance(sig string) {
	s.last = sig
}

func (s *Signer) mac(body []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a sequence of events read back from a sink, starting at
// GenesisHash.
func (s *Signer) Verify(events []Event) error {
	prev := GenesisHash
	for i, e := range events {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: event %d links to %q, want %q", ErrChainBroken, i, e.PrevHash, prev)
		}
		sig := e.Signature
		e.Signature = ""
		body, err := Encode(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", i, err)
		}
		if !hmac.Equal([]byte(sig), []byte(s.mac(body))) {
			return fmt.Errorf("%w: event %d signature mismatch", ErrChainBroken, i)
		}
		prev = sig
	}
	return nil
}
