package types

import "strings"

// ShippingAddress is the delivery address captured at checkout and snapshotted
// onto the order.
type ShippingAddress struct {
	FullName string  `json:"fullName" validate:"required,max=120"`
	Phone    string  `json:"phone" validate:"required"`
	Email    *string `json:"email,omitempty" validate:"omitempty,email"`
	Line1    string  `json:"line1" validate:"required,max=255"`
	Line2    *string `json:"line2,omitempty" validate:"omitempty,max=255"`
	City     string  `json:"city" validate:"required,max=100"`
	State    string  `json:"state" validate:"required,max=100"`
	Pincode  string  `json:"pincode" validate:"required"`
	Country  string  `json:"country,omitempty"`
}

// SplitName returns the first token as first name and the remainder as last
// name. A single-token name is reused for both, since vendors reject blanks.
func (a ShippingAddress) SplitName() (string, string) {
	parts := strings.Fields(a.FullName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], parts[0]
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// EmailOr returns the address email or the fallback when absent.
func (a ShippingAddress) EmailOr(fallback string) string {
	if a.Email != nil && strings.TrimSpace(*a.Email) != "" {
		return strings.TrimSpace(*a.Email)
	}
	return fallback
}
