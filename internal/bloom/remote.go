package bloom

// RemoteContains reports whether item might be present in a peer's
// advertised SYNC filter set (three serialized filters, oldest
// first, each decoded with the given hash count). Used by the
// orchestrator's SYNC-reconciliation loop to decide whether to REQ a
// locally-held id that the peer may be missing.
func RemoteContains(filters [][]byte, k int, item []byte) bool {
	for _, raw := range filters {
		if FromBytes(raw, k).Contains(item) {
			return true
		}
	}
	return false
}
