package security

import "runtime"

// Wipe overwrites key material with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}
