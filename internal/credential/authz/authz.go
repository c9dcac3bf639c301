// Package authz evaluates authorization policy over verified credential
// claims.
//
// Evaluation is pure and synchronous: the transport layer verifies the
// credential signature and expiry first, then applies one predicate here.
// The decision carries a machine-readable reason for telemetry; callers must
// not surface the specific reason to the end caller.
package authz

import (
	"errors"

	"github.com/resonatefm/resonate/internal/credential"
	apperrors "github.com/resonatefm/resonate/internal/platform/errors"
)

// Reason explains a denial for internal observability.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonExpiredToken Reason = "EXPIRED_TOKEN"
	ReasonBadSignature Reason = "BAD_SIGNATURE"
	ReasonMissingRole  Reason = "MISSING_ROLE"
	ReasonNotOwner     Reason = "NOT_OWNER"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

// Deny builds a negative decision with the given reason.
func Deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

// Predicate is a required condition over verified claims.
type Predicate func(claims credential.Claims) Decision

// Authenticated accepts any verified, unexpired credential.
func Authenticated() Predicate {
	return func(credential.Claims) Decision {
		return Allow
	}
}

// RoleContains requires the credential's role set to contain role.
func RoleContains(role string) Predicate {
	return func(claims credential.Claims) Decision {
		for _, held := range claims.Roles {
			if held == role {
				return Allow
			}
		}
		return Deny(ReasonMissingRole)
	}
}

// SubjectIs requires the credential subject to equal the resource owner id.
func SubjectIs(ownerID string) Predicate {
	return func(claims credential.Claims) Decision {
		if ownerID != "" && claims.Subject == ownerID {
			return Allow
		}
		return Deny(ReasonNotOwner)
	}
}

// AnyOf allows when at least one predicate allows. The reason of the first
// denial is kept when all deny.
func AnyOf(predicates ...Predicate) Predicate {
	return func(claims credential.Claims) Decision {
		denied := Deny(ReasonNotOwner)
		for i, predicate := range predicates {
			decision := predicate(claims)
			if decision.Allowed {
				return Allow
			}
			if i == 0 {
				denied = decision
			}
		}
		return denied
	}
}

// Authorize applies the predicate to verified claims.
func Authorize(claims credential.Claims, predicate Predicate) Decision {
	if predicate == nil {
		return Authenticated()(claims)
	}
	return predicate(claims)
}

// DenyFromVerification maps a credential verification failure to a decision.
func DenyFromVerification(err error) Decision {
	if err == nil {
		return Allow
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && domainErr.Code == apperrors.CodeTokenExpired {
		return Deny(ReasonExpiredToken)
	}
	return Deny(ReasonBadSignature)
}
