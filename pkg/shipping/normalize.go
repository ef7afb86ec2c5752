package shipping

import (
	"strings"
	"unicode"

	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
)

const countryCode = "91"

// NormalizePhone reduces a phone number to exactly ten digits, dropping a
// leading country code or trunk zero.
func NormalizePhone(raw string) (string, error) {
	digits := digitsOnly(raw)
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode):
		digits = digits[2:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "phone must contain exactly 10 digits")
	}
	return digits, nil
}

// NormalizePincode validates a six digit postal code.
func NormalizePincode(raw string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if len(trimmed) != 6 || digitsOnly(trimmed) != trimmed {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "pincode must be exactly 6 digits")
	}
	return trimmed, nil
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Package is the estimated parcel sent to the vendor.
type Package struct {
	LengthCM  float64
	BreadthCM float64
	HeightCM  float64
	WeightKG  float64
}

var packageSteps = []struct {
	maxUnits int
	pkg      Package
}{
	{maxUnits: 1, pkg: Package{LengthCM: 30, BreadthCM: 25, HeightCM: 5, WeightKG: 0.5}},
	{maxUnits: 3, pkg: Package{LengthCM: 35, BreadthCM: 30, HeightCM: 10, WeightKG: 1.0}},
	{maxUnits: 6, pkg: Package{LengthCM: 40, BreadthCM: 35, HeightCM: 15, WeightKG: 2.0}},
}

var maxPackage = Package{LengthCM: 45, BreadthCM: 40, HeightCM: 25, WeightKG: 3.5}

// EstimatePackage picks parcel dimensions from the number of units shipped.
func EstimatePackage(units int) Package {
	if units < 1 {
		units = 1
	}
	for _, step := range packageSteps {
		if units <= step.maxUnits {
			return step.pkg
		}
	}
	return maxPackage
}

// Hint classifies a vendor failure for the operator reading order notes.
func Hint(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "pickup"):
		return "check the pickup location configured with the vendor"
	case strings.Contains(msg, "phone") || strings.Contains(msg, "mobile"):
		return "verify the customer phone number (10 digits)"
	case strings.Contains(msg, "pincode") || strings.Contains(msg, "postcode") || strings.Contains(msg, "serviceab"):
		return "verify the delivery pincode is valid and serviceable"
	case strings.Contains(msg, "email"):
		return "verify the customer email address"
	default:
		return ""
	}
}
