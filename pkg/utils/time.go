package utils

import "time"

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// UnixMilli returns the current time in unix milliseconds
func UnixMilli() int64 {
	return Now().UnixMilli()
}

func FromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Since returns time since given time
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
