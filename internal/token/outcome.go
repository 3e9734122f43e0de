package token

import "github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"

// OutcomeKind is the tag of the ValidationOutcome sum (spec.md §4.3). The
// caller must switch on Kind rather than reason over a plain boolean.
type OutcomeKind string

const (
	Valid             OutcomeKind = "VALID"
	Expired           OutcomeKind = "EXPIRED"
	Forbidden         OutcomeKind = "FORBIDDEN"
	Malformed         OutcomeKind = "MALFORMED"
	UntrustedIssuer   OutcomeKind = "UNTRUSTED_ISSUER"
	UntrustedAudience OutcomeKind = "UNTRUSTED_AUDIENCE"
	SignatureMismatch OutcomeKind = "SIGNATURE_MISMATCH"
	Renewed           OutcomeKind = "RENEWED"
)

// ValidationOutcome is the result of Verify. Claims is populated whenever a
// signature could be checked, even on a non-Valid outcome (e.g. Expired),
// so the caller can inspect subject/permissions without a second parse.
type ValidationOutcome struct {
	Kind              OutcomeKind
	Claims            domain.TokenClaims
	MissingPermission domain.Permission
	Reason            string
	NewToken          string
}

// Accepted reports whether the outcome should be treated as an
// authenticated, permitted request (spec.md §4.6: Valid or a renewal that
// carries its own Valid claims).
func (o ValidationOutcome) Accepted() bool {
	return o.Kind == Valid || o.Kind == Renewed
}
