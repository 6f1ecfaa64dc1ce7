package utils

import (
	"github.com/google/uuid"
)

func NewLotID() string {
	return "lot_" + uuid.NewString()
}

func NewBidID() string {
	return "bid_" + uuid.NewString()
}

func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}

// NewLockToken identifies one holder of a distributed lock.
func NewLockToken() string {
	return uuid.NewString()
}
