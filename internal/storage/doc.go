// Package storage persists the client-side state of the delivery core.
//
// It holds:
//   - Settings: the auto-open preference, the last-known delivery mode
//     (advisory), the remembered permission decision and the push token
//   - The delivered-id ledger, so an id reported delivered before a restart
//     is not reported again
package storage
