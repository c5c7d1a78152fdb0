// Package auth provides authentication for SmartTrash Core.
//
// The centre of the package is the refresh-token lifecycle Manager. It owns
// every state transition of a TokenRecord:
//   - creation with collision-checked 256-bit random tokens
//   - rotation, which persists the successor before marking the presented token used
//   - reuse detection: presenting an already-rotated token revokes all of the
//     owner's usable tokens
//   - single, per-owner and expiry-based revocation or deletion
//
// Records live behind the TokenStore interface (memory, SQLite, PostgreSQL,
// Redis). Every store implements ConditionalUpdate with a storage-native
// compare-and-set, so concurrent refreshes of one token cannot both succeed.
// The Manager itself holds no mutable state.
//
// Around the core sit the HS256 access-token Signer, the Argon2id credential
// verifier, the Service (login, refresh, revoke, logout, purge), the Admin
// user-management flow and the Purger scheduler.
package auth
