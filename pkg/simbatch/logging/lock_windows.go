//go:build windows

package logging

import "os"

// Windows builds rely on the in-process mutex only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
