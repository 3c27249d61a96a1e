package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Owner is the patient an asset belongs to.
//
// ID is assigned by the local store. BusinessCode is the system-wide key
// used when talking to the remote store; it should be unique among owners,
// but duplicates can appear when local and remote writers race and are
// merged by the reconciliation pass.
type Owner struct {
	ID           int64     `json:"id"`
	BusinessCode string    `json:"business_code"`
	Name         string    `json:"name"`
	Age          int       `json:"age"`
	Phone        string    `json:"phone,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the owner's fields. ID is not checked since it is
// assigned on insert.
func (o *Owner) Validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if o.Age < 0 || o.Age > 150 {
		return fmt.Errorf("age must be between 0 and 150 (got %d)", o.Age)
	}
	if strings.TrimSpace(o.BusinessCode) == "" {
		return fmt.Errorf("business code is required")
	}
	return nil
}

// NewOwner builds an owner with its business code computed.
func NewOwner(name string, age int, phone string, now time.Time) (*Owner, error) {
	o := &Owner{
		BusinessCode: BusinessCode(name, age, phone),
		Name:         strings.TrimSpace(name),
		Age:          age,
		Phone:        strings.TrimSpace(phone),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.Validate(); err != nil {
		return nil, Invalidf("new owner", "%v", err)
	}
	return o, nil
}

// BusinessCode derives the global identifier of a patient from name,
// age and phone. Case, surrounding and repeated whitespace in the name
// and formatting characters in the phone number do not affect the code.
func BusinessCode(name string, age int, phone string) string {
	normName := strings.ToUpper(strings.Join(strings.Fields(name), " "))

	var digits strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}

	h := sha256.New()
	h.Write([]byte(normName))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(age)))
	h.Write([]byte{0})
	h.Write([]byte(digits.String()))
	return "P-" + strings.ToUpper(hex.EncodeToString(h.Sum(nil))[:16])
}

// CaptureSession groups assets captured together.
type CaptureSession struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
