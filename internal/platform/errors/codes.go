// Package errors provides structured error handling for Resonate services.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeUserEmptyUsername   Code = "USER_EMPTY_USERNAME"
	CodeUserInvalidUsername Code = "USER_INVALID_USERNAME"
	CodeUserUsernameTaken   Code = "USER_USERNAME_TAKEN"
	CodeUserEmptyEmail      Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail    Code = "USER_INVALID_EMAIL"
	CodeUserEmailTaken      Code = "USER_EMAIL_TAKEN"
	CodeUserInvalidPassword Code = "USER_INVALID_PASSWORD"
	CodeUserNotFound        Code = "USER_NOT_FOUND"

	// Login errors
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"

	// Role errors
	CodeRoleNotFound        Code = "ROLE_NOT_FOUND"
	CodeRoleAlreadyAssigned Code = "ROLE_ALREADY_ASSIGNED"

	// Credential errors
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeMissingRole  Code = "MISSING_ROLE"
	CodeNotOwner     Code = "NOT_OWNER"

	// Follow graph errors
	CodeFollowSelf          Code = "FOLLOW_SELF"
	CodeFollowEmptyEndpoint Code = "FOLLOW_EMPTY_ENDPOINT"
	CodeFollowAlreadyExists Code = "FOLLOW_ALREADY_EXISTS"
	CodeFollowNotFound      Code = "FOLLOW_NOT_FOUND"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input, and rejected mutations
	// (duplicate name or grant, unknown role). Rejections stay 400 so the
	// body's error code, not the status, is what distinguishes them.
	case CodeUserEmptyUsername,
		CodeUserInvalidUsername,
		CodeUserUsernameTaken,
		CodeUserEmptyEmail,
		CodeUserInvalidEmail,
		CodeUserEmailTaken,
		CodeUserInvalidPassword,
		CodeInvalidCredentials,
		CodeRoleNotFound,
		CodeRoleAlreadyAssigned,
		CodeFollowSelf,
		CodeFollowEmptyEndpoint,
		CodeFollowAlreadyExists:
		return http.StatusBadRequest

	// Not found - the addressed record does not exist
	case CodeUserNotFound,
		CodeFollowNotFound,
		CodeNotFound:
		return http.StatusNotFound

	// Unauthorized - credential could not be validated
	case CodeTokenInvalid,
		CodeTokenExpired:
		return http.StatusUnauthorized

	// Forbidden - valid credential, insufficient grants
	case CodeMissingRole,
		CodeNotOwner:
		return http.StatusForbidden

	default:
		return http.StatusInternalServerError
	}
}
