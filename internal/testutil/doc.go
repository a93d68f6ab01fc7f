// Package testutil provides fixtures and helpers for tests: fixture clients, scopes and
// resources, PKCE pairs, a controllable clock and small assertion helpers.
package testutil
