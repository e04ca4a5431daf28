package dispatch

import "errors"

// ErrUnknownToken — completion для token, который dispatcher не выдавал
// (например, после рестарта оркестратора).
var ErrUnknownToken = errors.New("unknown completion token")
