package util

import (
	"crypto/sha256"
	"unsafe"
)

const HashSize = sha256.Size

// SHA256String hashes a string without copying it into a byte slice first.
func SHA256String(entity string) [HashSize]byte {
	return sha256.Sum256(unsafe.Slice(unsafe.StringData(entity), len(entity)))
}
