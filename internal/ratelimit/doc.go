// Package ratelimit bounds abuse on the trust-layer endpoints with two
// independent layers:
//
//   - Window: a fixed-window counter in the shared key-value store, keyed by
//     caller IP + action, so limits hold across instances and survive
//     restarts. Fixed-window trades burst smoothing for a single round trip
//     per request; a burst straddling the window boundary can reach ~2x max.
//
//   - IPGuard: a per-IP token bucket held in process memory, in front of the
//     store, so a single flooding IP cannot exhaust connections or turn every
//     junk request into a store round trip.
//
// Store failures deny the request. Allowing unlimited traffic during a cache
// outage is worse than rejecting legitimate callers for its duration.
package ratelimit
