//go:build !linux

package proctitle

// Set only rewrites argv[0] outside Linux.
func Set(role string) error {
	rewriteArgv0(Title(role))
	return nil
}
