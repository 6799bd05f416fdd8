// Package cryptoutil provides small hashing primitives shared by the trust
// layer: SHA-256 digests for pseudonymising caller identity (audit actors,
// beacon IP hashes) and constant-time hash comparison to prevent timing
// side-channels.
package cryptoutil
