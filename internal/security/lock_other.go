//go:build !unix && !windows

package security

import "os"

// Platforms without file locking run unlocked.
func tryLock(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
