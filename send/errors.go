package send

import "errors"

// Sentinel errors the resolver facade maps onto the POSIX errno surface:
// ErrTimeout -> -ETIMEDOUT, ErrConnRefused -> -ECONNREFUSED,
// ErrNoServers -> -ENONET.
var (
	ErrTimeout     = errors.New("send: no usable server answered before timeout")
	ErrConnRefused = errors.New("send: every usable server actively refused the connection")
	ErrNoServers   = errors.New("send: no usable server is configured")
)
