//go:build !unix

package sso

// lockFile is a no-op where flock is unavailable; writers in one process are
// still serialized by the cache mutex.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
