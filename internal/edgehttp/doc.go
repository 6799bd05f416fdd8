// Package edgehttp implements the public trust-layer endpoints: lead
// intake, signed delivery-token issuance and redemption, analytics
// ingestion, the authenticated probe and lead viewer, and cache-guarded
// social preview images.
//
// Status code mapping is uniform across endpoints: 400 for missing or
// malformed signing material, 401 for a failed signature (or a replayed
// nonce), 410 for anything stale (envelope timestamp or token expiry), and
// 429 for rate-limit denials with a Retry-After hint. Response bodies stay
// generic; the specific failure reason goes to the structured log only.
package edgehttp
