package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Address names one device of one user. Its text form, "user:device", is
// what the relay carries in the sender field.
type Address struct {
	UserID   string `json:"user_id" bson:"user_id"`
	DeviceID uint32 `json:"device_id" bson:"device_id"`
}

func (a Address) String() string {
	return a.UserID + ":" + strconv.FormatUint(uint64(a.DeviceID), 10)
}

func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	id, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("invalid device id in address %q: %w", s, err)
	}
	return Address{UserID: s[:i], DeviceID: uint32(id)}, nil
}
