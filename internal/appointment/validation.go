package appointment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

const DateLayout = "2006-01-02"

var (
	validate       = newValidator()
	applicantRules = applicantFieldRules()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names so errors match the request payload
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// applicantFieldRules maps json field names of Applicant to their validate tags.
func applicantFieldRules() map[string]string {
	t := reflect.TypeOf(Applicant{})
	rules := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if tag := f.Tag.Get("validate"); tag != "" {
			rules[strings.SplitN(f.Tag.Get("json"), ",", 2)[0]] = tag
		}
	}
	return rules
}

func fieldMessage(field, tag string) string {
	switch tag {
	case "required":
		return field + " is required"
	case "notblank":
		return field + " must not be blank"
	case "email":
		return field + " must be an email address"
	case "max":
		return field + " is too long"
	}
	return fmt.Sprintf("%s failed %s", field, tag)
}

// ValidateApplicant checks the required applicant fields.
func ValidateApplicant(a Applicant) error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
}

// validateApplicantPatch applies the Applicant rules to the fields a patch sets.
// Fields the patch leaves alone are not rechecked.
func validateApplicantPatch(p Patch) error {
	var msgs []string
	for _, field := range p.Fields() {
		rule, ok := applicantRules[field]
		if !ok {
			continue
		}
		err := validate.Var(p[field], rule)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(field, fe.Tag()))
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	if err := validate.Var(email, "email"); err != nil {
		return fmt.Errorf("%w: email must be an email address", ErrValidation)
	}
	return nil
}

// ValidateDate requires a calendar date in YYYY-MM-DD form.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrValidation, date)
	}
	return nil
}
