package otp

import "time"

// Record is one issued code. Only the hash of the code is kept.
type Record struct {
	ID        int64
	Email     string
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}
