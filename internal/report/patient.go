package report

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidPatient is returned when a patient record is incomplete.
var ErrInvalidPatient = errors.New("invalid patient record")

// Gender values, as printed on the report.
type Gender string

const (
	GenderMale        Gender = "Male"
	GenderFemale      Gender = "Female"
	GenderUndisclosed Gender = "Prefer not to say"
)

// ParseGender accepts the printed value or male, female, undisclosed.
func ParseGender(s string) (Gender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male":
		return GenderMale, nil
	case "female":
		return GenderFemale, nil
	case "undisclosed", "prefer not to say":
		return GenderUndisclosed, nil
	}
	return "", fmt.Errorf("%w: unknown gender %q", ErrInvalidPatient, s)
}

// HypertensionDuration is how long the patient has had hypertension.
type HypertensionDuration string

const (
	DurationUnderOneYear   HypertensionDuration = "<1 year"
	DurationUnderFiveYears HypertensionDuration = "<5 years"
	DurationOverFiveYears  HypertensionDuration = ">5 years"
)

// ParseHypertensionDuration accepts the printed value or <1y, <5y, >5y.
func ParseHypertensionDuration(s string) (HypertensionDuration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "<1y", "<1 year":
		return DurationUnderOneYear, nil
	case "<5y", "<5 years":
		return DurationUnderFiveYears, nil
	case ">5y", ">5 years":
		return DurationOverFiveYears, nil
	}
	return "", fmt.Errorf("%w: unknown hypertension duration %q", ErrInvalidPatient, s)
}

// Patient is the operator-supplied metadata printed on a report. It is
// never persisted or logged.
type Patient struct {
	Name     string
	Age      float64
	Gender   Gender
	Duration HypertensionDuration
}

// Validate checks presence and enum membership, and that the report font
// can print every character of the name.
func (p Patient) Validate() error {
	name := printable(p.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPatient)
	}
	if r, ok := missingGlyph(name); ok {
		return fmt.Errorf("%w: name contains unprintable character %U", ErrInvalidPatient, r)
	}
	if math.IsNaN(p.Age) || math.IsInf(p.Age, 0) || p.Age < 0 {
		return fmt.Errorf("%w: age must be a non-negative number", ErrInvalidPatient)
	}
	switch p.Gender {
	case GenderMale, GenderFemale, GenderUndisclosed:
	default:
		return fmt.Errorf("%w: unknown gender %q", ErrInvalidPatient, p.Gender)
	}
	switch p.Duration {
	case DurationUnderOneYear, DurationUnderFiveYears, DurationOverFiveYears:
	default:
		return fmt.Errorf("%w: unknown hypertension duration %q", ErrInvalidPatient, p.Duration)
	}
	return nil
}

// FormatAge renders the age in shortest decimal form.
func FormatAge(age float64) string {
	return strconv.FormatFloat(age, 'f', -1, 64)
}
