// Package cryptoutil provides KMS-backed signing for outbound notification
// payloads. Signing is digest-based: the message is hashed locally and only
// the digest crosses the wire to KMS.
package cryptoutil
