// Package auth implements the short-lived, server-verifiable credentials
// presented on every transport channel, scoped to one session and one user.
package auth
