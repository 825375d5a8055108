/*
Package security gates the mutating entrypoints of the relay.

The Verifier checks that an inbound signed request is fresh, not
replayed, and correctly signed before any mutating action is accepted.
The canonical signing string is:

	METHOD "\n" PATH_WITH_QUERY "\n" TIMESTAMP "\n" NONCE "\n" HEX(SHA-256(BODY))

signed with HMAC-SHA256 over the raw, unparsed request body. Nonces are
tracked in a process-lifetime NonceCache with a sliding TTL window; a
nonce is recorded on a successful verification and on the replay path
only, so a caller whose request failed on timestamp or signature
plumbing can safely resubmit.

The SecretsManager seals router API credentials at rest with
AES-256-GCM.
*/
package security
