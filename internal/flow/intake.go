// Package flow: the intake flow mirrors the original agreement questionnaire:
// consent, full name, birth date, gender, then a review confirmation.
package flow

import (
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// BirthDateLayout is the accepted birth date format (dd.MM.yyyy).
const BirthDateLayout = "02.01.2006"

// fullNamePattern accepts two or three space-separated name words, Latin or
// Cyrillic, with optional hyphens inside a word.
var fullNamePattern = regexp.MustCompile(`^[A-Za-zА-Яа-яЁё][A-Za-zА-Яа-яЁё-]* [A-Za-zА-Яа-яЁё][A-Za-zА-Яа-яЁё-]*( [A-Za-zА-Яа-яЁё][A-Za-zА-Яа-яЁё-]*)?$`)

// NewIntakeDefinition builds the standard intake flow.
func NewIntakeDefinition() *Definition {
	def, err := NewDefinition([]Step{
		{
			ID: models.StepConsent,
			Prompt: "Consent to data processing:\n" +
				"Reply \"agree\" to consent to the processing of your personal data.",
			ErrorMessage: "you must reply \"agree\" to continue",
			Validate:     validateConsent,
		},
		{
			ID:           models.StepFullName,
			Prompt:       "Enter your full name (first and last name required):",
			ErrorMessage: "invalid full name: first and last name are required",
			Validate:     validateFullName,
		},
		{
			ID:           models.StepBirthDate,
			Prompt:       "Enter your birth date in dd.MM.yyyy format:",
			ErrorMessage: "invalid date format",
			Validate:     validateBirthDate,
		},
		{
			ID:           models.StepGender,
			Prompt:       "Select your gender (male/female):",
			ErrorMessage: "choose one of the offered options",
			Validate:     validateGender,
		},
		{
			ID:           models.StepReview,
			Prompt:       "Check the entered data and reply \"all_ok\" to confirm, or \"cancel\" to discard.",
			ErrorMessage: "reply \"all_ok\" to confirm or \"cancel\" to discard",
			Validate:     validateReview,
		},
	})
	if err != nil {
		// The built-in definition is static; a construction error is a
		// programming mistake, not a runtime condition.
		panic(err)
	}
	return def
}

func validateConsent(payload string) (map[models.FieldKey]string, error) {
	v := strings.ToLower(strings.TrimSpace(payload))
	if v != "agree" {
		return nil, Invalid("consent required: reply \"agree\"")
	}
	return map[models.FieldKey]string{models.FieldConsent: "agreed"}, nil
}

func validateFullName(payload string) (map[models.FieldKey]string, error) {
	v := strings.TrimSpace(payload)
	if !fullNamePattern.MatchString(v) {
		return nil, Invalid("invalid full name")
	}
	return map[models.FieldKey]string{models.FieldFullName: v}, nil
}

func validateBirthDate(payload string) (map[models.FieldKey]string, error) {
	v := strings.TrimSpace(payload)
	t, err := time.Parse(BirthDateLayout, v)
	if err != nil {
		return nil, Invalid("invalid birth date: expected dd.MM.yyyy")
	}
	if t.After(time.Now()) {
		return nil, Invalid("birth date cannot be in the future")
	}
	return map[models.FieldKey]string{models.FieldBirthDate: v}, nil
}

func validateGender(payload string) (map[models.FieldKey]string, error) {
	v := strings.ToLower(strings.TrimSpace(payload))
	if v != "male" && v != "female" {
		return nil, Invalid("invalid gender: expected \"male\" or \"female\"")
	}
	return map[models.FieldKey]string{models.FieldGender: v}, nil
}

func validateReview(payload string) (map[models.FieldKey]string, error) {
	v := strings.ToLower(strings.TrimSpace(payload))
	if v != "all_ok" {
		return nil, Invalid("confirmation required: reply \"all_ok\"")
	}
	return map[models.FieldKey]string{models.FieldConfirmed: "true"}, nil
}
