// Package auth provides the account, session and authorization core of the
// storefront and its back office.
//
// Accounts:
//   - BunAccountStore persists accounts via Bun. Email, username and
//     external ID are unique; the role policy (CanChangeRole, CanDelete) is
//     enforced by the store so every caller gets the same rules.
//   - CredentialAuthenticator verifies passwords with bcrypt. Unknown
//     identifiers and wrong passwords fail the same way, after the same work.
//
// Sessions:
//   - SessionIssuer signs stateless JWT sessions (HS256 or RS256) that last
//     30 days and are re-signed once older than 24 hours.
//   - RemoteVerifier validates tokens against a published JWKS.
//
// Authorization:
//   - Gate classifies every request path as public, authenticated or role
//     gated and returns a Decision. Any failure to resolve a session makes
//     the request anonymous.
//   - SessionRegistry keeps a presence list of recent sessions. It is never
//     consulted for access control.
//
// Activity sinks:
//   - ActivitySink receives login, signup, role and status events. Sinks run
//     best effort, errors are logged and never fail the request.
package auth
