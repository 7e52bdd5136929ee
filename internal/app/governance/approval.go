// Package governance verifies signed approvals that authorise policy and
// exchange-rate changes and the operator actions that move value into the
// ledger. The voting process that produces an approval is external; only its
// signed result is checked here.
package governance

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/token_economy/internal/app/ledger"
)

// Role is the authority an approval grants.
type Role string

const (
	RoleProposer Role = "proposer"
	RoleApprover Role = "approver"
	// RoleOperator runs the economy day to day: bridge deposits, grants,
	// subscriptions, target registration and usage ingestion.
	RoleOperator Role = "operator"
)

// Action names the governed operation an approval is valid for.
type Action string

const (
	ActionPropose    Action = "emission.propose"
	ActionApply      Action = "emission.apply"
	ActionReject     Action = "emission.reject"
	ActionUpdateRate Action = "exchange.rate"

	ActionDeposit      Action = "accounts.deposit"
	ActionGrant        Action = "grants.manage"
	ActionSubscription Action = "subscriptions.set"
	ActionTarget       Action = "targets.register"
	ActionUsage        Action = "usage.record"
)

// Claims is the payload of an approval token.
type Claims struct {
	Role       Role   `json:"role"`
	Action     Action `json:"action"`
	ProposalID string `json:"proposal_id,omitempty"`
	jwt.RegisteredClaims
}

// Approval is a verified approval.
type Approval struct {
	Subject    string
	Role       Role
	Action     Action
	ProposalID string
}

// Authorizer checks approval tokens.
type Authorizer interface {
	Authorize(token string, role Role, action Action, proposalID string) (Approval, error)
}

// Verifier validates HMAC-signed approval tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a verifier for tokens signed with secret. When issuer is
// non-empty the token's iss claim must match.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: append([]byte(nil), secret...), issuer: issuer}
}

var _ Authorizer = (*Verifier)(nil)

// Authorize parses token and checks that it grants role for action. An
// approver token satisfies proposer checks. A token bound to a proposal only
// authorises that proposal. All failures wrap ledger.ErrUnauthorized.
func (v *Verifier) Authorize(token string, role Role, action Action, proposalID string) (Approval, error) {
	if v == nil || len(v.secret) == 0 {
		return Approval{}, fmt.Errorf("governance not configured: %w", ledger.ErrUnauthorized)
	}
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Approval{}, fmt.Errorf("missing approval: %w", ledger.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Approval{}, fmt.Errorf("%v: %w", err, ledger.ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Approval{}, fmt.Errorf("invalid approval: %w", ledger.ErrUnauthorized)
	}

	if !claims.Role.covers(role) {
		return Approval{}, fmt.Errorf("role %q cannot act as %q: %w", claims.Role, role, ledger.ErrUnauthorized)
	}
	if claims.Action != action {
		return Approval{}, fmt.Errorf("approval is for %q, not %q: %w", claims.Action, action, ledger.ErrUnauthorized)
	}
	if claims.ProposalID != "" && claims.ProposalID != proposalID {
		return Approval{}, fmt.Errorf("approval bound to proposal %q: %w", claims.ProposalID, ledger.ErrUnauthorized)
	}
	return Approval{
		Subject:    claims.Subject,
		Role:       claims.Role,
		Action:     claims.Action,
		ProposalID: claims.ProposalID,
	}, nil
}

func (r Role) covers(want Role) bool {
	switch r {
	case RoleApprover:
		return want == RoleApprover || want == RoleProposer
	case RoleProposer:
		return want == RoleProposer
	case RoleOperator:
		return want == RoleOperator
	}
	return false
}

// Issuer signs approval tokens. It backs the governance tooling and tests.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an HS256 issuer. A non-positive ttl defaults to one hour.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: append([]byte(nil), secret...), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs an approval for subject.
func (i *Issuer) Issue(subject string, role Role, action Action, proposalID string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("governance secret is empty")
	}
	now := i.now()
	claims := Claims{
		Role:       role,
		Action:     action,
		ProposalID: proposalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// AllowAll authorises everything as the given subject. Only for local
// development and tests.
type AllowAll struct {
	Subject string
}

func (a AllowAll) Authorize(_ string, role Role, action Action, proposalID string) (Approval, error) {
	return Approval{Subject: a.Subject, Role: role, Action: action, ProposalID: proposalID}, nil
}
