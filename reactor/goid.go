// File: reactor/goid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine id out of the stack header.
// It is only consulted to decide whether an Update call already runs on
// the loop goroutine and may be applied inline.
func goroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}
