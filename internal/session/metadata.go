package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxCourseNumberLen is the longest course number the operator may enter.
const MaxCourseNumberLen = 4

var (
	ErrIncompleteDetails   = errors.New("session: course number and vehicle name are required")
	ErrCourseNumberTooLong = fmt.Errorf("session: course number longer than %d characters", MaxCourseNumberLen)
)

// Metadata is the operator-entered identity attached to every report of a
// session. It is never modified after Parse returns it.
type Metadata struct {
	CourseNumber string `json:"courseNumber" validate:"required,max=4"`
	VehicleName  string `json:"vehicleName" validate:"required"`
}

var validate = validator.New()

// Parse trims both fields and validates them.
func Parse(courseNumber, vehicleName string) (Metadata, error) {
	m := Metadata{
		CourseNumber: strings.TrimSpace(courseNumber),
		VehicleName:  strings.TrimSpace(vehicleName),
	}
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					return Metadata{}, ErrIncompleteDetails
				}
			}
			return Metadata{}, ErrCourseNumberTooLong
		}
		return Metadata{}, fmt.Errorf("session: validate: %w", err)
	}
	return m, nil
}

// IsZero reports whether no metadata is set.
func (m Metadata) IsZero() bool {
	return m.CourseNumber == "" && m.VehicleName == ""
}
