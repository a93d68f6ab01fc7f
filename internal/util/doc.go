// Package util provides small helpers shared across the authorization server.
//
// Key utilities:
//   - SafeTruncate: truncates handles and secrets before they reach a log line
//   - ClassifyIP: classifies literal IP addresses in redirect URIs
//   - IsLoopbackHostname: recognises loopback redirect hosts (RFC 8252 Section 7.3)
package util
