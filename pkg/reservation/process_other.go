//go:build !unix

package reservation

// processAlive cannot be determined cheaply here; leases then expire through
// the TTL or the missing-file check.
func processAlive(int) bool { return true }
