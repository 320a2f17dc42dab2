// internal/model/client.go
package model

import (
	"fmt"
	"regexp"
)

var phonePattern = regexp.MustCompile(`^7\d{10}$`)

// Client is a mailing recipient.
type Client struct {
	ID       int64  `db:"id" json:"id"`
	Phone    string `db:"phone" json:"phone"`
	CodeID   int64  `db:"code_id" json:"code"`
	TagID    *int64 `db:"tag_id" json:"tag"`
	TimeZone string `db:"time_zone" json:"time_zone"`
}

type Tag struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
}

// OperatorCode is the three-digit mobile operator prefix of a phone number.
type OperatorCode struct {
	ID   int64  `db:"id" json:"id"`
	Code string `db:"code" json:"code"`
}

// ValidatePhone checks the 7XXXXXXXXXX format.
func ValidatePhone(phone string) error {
	if !phonePattern.MatchString(phone) {
		return fmt.Errorf("the phone number must be in the format 7XXXXXXXXXX")
	}
	return nil
}

// OperatorCodeOf extracts the operator prefix (digits 2-4) from a valid phone.
func OperatorCodeOf(phone string) (string, error) {
	if err := ValidatePhone(phone); err != nil {
		return "", err
	}
	return phone[1:4], nil
}
