//go:build !unix

package engine

// lockDataDir is a no-op where advisory file locks are unavailable.
func lockDataDir(string) (func() error, error) {
	return func() error { return nil }, nil
}
