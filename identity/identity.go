// Package identity scores how likely two accounts belong to the same person.
//
// Accounts are linked through shared signals: verified contacts, devices,
// payment instruments and network addresses. The fraud detector uses shared
// verified contacts as proof of a seller relationship and the overall score
// for multi-account detection.
package identity

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/cloudx-io/openmarket/core"
)

type SignalKind string

const (
	SignalEmail   SignalKind = "email"
	SignalPhone   SignalKind = "phone"
	SignalDevice  SignalKind = "device"
	SignalPayment SignalKind = "payment"
	SignalIP      SignalKind = "ip"
)

// signalWeight is each shared signal's contribution to the similarity score.
var signalWeight = map[SignalKind]float64{
	SignalEmail:   0.6,
	SignalPhone:   0.6,
	SignalPayment: 0.5,
	SignalDevice:  0.4,
	SignalIP:      0.2,
}

// Contact reports whether the signal is a verified contact channel.
func (k SignalKind) Contact() bool {
	return k == SignalEmail || k == SignalPhone
}

func (k SignalKind) Valid() bool {
	_, ok := signalWeight[k]
	return ok
}

type Signal struct {
	Kind  SignalKind `json:"kind"`
	Value string     `json:"value"`
}

func (s Signal) String() string {
	return string(s.Kind) + ":" + s.Value
}

// Profile is the set of signals observed for one account.
type Profile struct {
	AccountID string   `json:"account_id"`
	Signals   []Signal `json:"signals"`
}

// Match describes the overlap between two accounts.
type Match struct {
	AccountA       string   `json:"account_a"`
	AccountB       string   `json:"account_b"`
	Score          float64  `json:"score"`
	Signals        []string `json:"signals"`
	SharedContacts []string `json:"shared_contacts,omitempty"`
}

// SimilarityProvider compares two accounts.
type SimilarityProvider interface {
	Similarity(ctx context.Context, accountA, accountB string) (Match, error)
}

// Registrar records an account's signals.
type Registrar interface {
	Register(ctx context.Context, profile Profile) error
}

// ErrInvalidProfile is a validation error.
var ErrInvalidProfile = fmt.Errorf("%w: invalid identity profile", core.ErrInvalidRequest)

// Score builds a match from the signals both accounts share. The score is
// capped at 1.
func Score(accountA, accountB string, shared []Signal) Match {
	m := Match{AccountA: accountA, AccountB: accountB, Signals: []string{}}
	seen := make(map[Signal]bool, len(shared))
	for _, s := range shared {
		if seen[s] {
			continue
		}
		seen[s] = true
		m.Score += signalWeight[s.Kind]
		m.Signals = append(m.Signals, s.String())
		if s.Kind.Contact() {
			m.SharedContacts = append(m.SharedContacts, s.String())
		}
	}
	if m.Score > 1 {
		m.Score = 1
	}
	sort.Strings(m.Signals)
	sort.Strings(m.SharedContacts)
	return m
}

func normalize(s Signal) Signal {
	s.Value = strings.TrimSpace(s.Value)
	if s.Kind == SignalEmail {
		s.Value = strings.ToLower(s.Value)
	}
	return s
}

func validateProfile(p Profile) error {
	if p.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidProfile)
	}
	for _, s := range p.Signals {
		if !s.Kind.Valid() {
			return fmt.Errorf("%w: unknown signal kind %q", ErrInvalidProfile, s.Kind)
		}
		if strings.TrimSpace(s.Value) == "" {
			return fmt.Errorf("%w: empty %s signal", ErrInvalidProfile, s.Kind)
		}
	}
	return nil
}

// MemoryProvider holds profiles in process.
type MemoryProvider struct {
	mu       sync.RWMutex
	profiles map[string][]Signal
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{profiles: make(map[string][]Signal)}
}

// Register adds the profile's signals to the account.
func (p *MemoryProvider) Register(_ context.Context, profile Profile) error {
	if err := validateProfile(profile); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing := p.profiles[profile.AccountID]
	for _, s := range profile.Signals {
		s = normalize(s)
		if !slices.Contains(existing, s) {
			existing = append(existing, s)
		}
	}
	p.profiles[profile.AccountID] = existing
	return nil
}

func (p *MemoryProvider) Similarity(_ context.Context, accountA, accountB string) (Match, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if accountA == accountB {
		return Score(accountA, accountB, nil), nil
	}
	var shared []Signal
	for _, s := range p.profiles[accountA] {
		if slices.Contains(p.profiles[accountB], s) {
			shared = append(shared, s)
		}
	}
	return Score(accountA, accountB, shared), nil
}
