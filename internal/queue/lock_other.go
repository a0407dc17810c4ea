//go:build !unix

package queue

import "os"

// Without flock only writers within one process are serialized.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
