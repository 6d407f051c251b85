package resolver

import "fmt"

// Errno is one of the POSIX errno values the resolver's call surface uses
// to report failure.
type Errno int

const (
	EINVAL       Errno = 22
	ENONET       Errno = 64
	EEXIST       Errno = 17
	ENOMEM       Errno = 12
	ESRCH        Errno = 3
	ETIMEDOUT    Errno = 110
	ECONNREFUSED Errno = 111
)

var errnoNames = map[Errno]string{
	EINVAL:       "EINVAL",
	ENONET:       "ENONET",
	EEXIST:       "EEXIST",
	ENOMEM:       "ENOMEM",
	ESRCH:        "ESRCH",
	ETIMEDOUT:    "ETIMEDOUT",
	ECONNREFUSED: "ECONNREFUSED",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Negated returns the value actually returned on the wire (e.g. -EINVAL),
// since every one of these operations signals failure with a negative
// errno rather than a Go error value at its outermost boundary.
func (e Errno) Negated() int { return -int(e) }
