package flow

import (
	"testing"

	"github.com/BTreeMap/FormFlow/internal/models"
)

func TestIntakeDefinitionOrder(t *testing.T) {
	def := NewIntakeDefinition()

	if def.First() != models.StepConsent {
		t.Errorf("expected first step %q, got %q", models.StepConsent, def.First())
	}

	order := []models.StepID{
		models.StepConsent,
		models.StepFullName,
		models.StepBirthDate,
		models.StepGender,
		models.StepReview,
	}
	for i, id := range order {
		next, err := def.Next(id)
		if err != nil {
			t.Fatalf("Next(%q) failed: %v", id, err)
		}
		if i < len(order)-1 {
			if next != order[i+1] {
				t.Errorf("Next(%q) = %q, want %q", id, next, order[i+1])
			}
		} else if next != models.StepCompleted {
			t.Errorf("Next(%q) = %q, want %q", id, next, models.StepCompleted)
		}
	}
}

func TestIntakeDefinitionPrecedes(t *testing.T) {
	def := NewIntakeDefinition()

	if !def.Precedes(models.StepConsent, models.StepReview) {
		t.Error("expected consent to precede review")
	}
	if def.Precedes(models.StepReview, models.StepConsent) {
		t.Error("review must not precede consent")
	}
	if def.Precedes(models.StepGender, models.StepGender) {
		t.Error("a step must not precede itself")
	}
}

func TestValidateConsent(t *testing.T) {
	cases := []struct {
		payload string
		ok      bool
	}{
		{"agree", true},
		{"  AGREE  ", true},
		{"disagree", false},
		{"", false},
	}
	for _, c := range cases {
		fields, err := validateConsent(c.payload)
		if c.ok {
			if err != nil {
				t.Errorf("validateConsent(%q) failed: %v", c.payload, err)
				continue
			}
			if fields[models.FieldConsent] != "agreed" {
				t.Errorf("validateConsent(%q) fields = %v", c.payload, fields)
			}
		} else if err == nil {
			t.Errorf("validateConsent(%q) should have failed", c.payload)
		}
	}
}

func TestValidateFullName(t *testing.T) {
	cases := []struct {
		payload string
		ok      bool
	}{
		{"Ivan Petrov", true},
		{"Ivan Petrovich Sidorov", true},
		{"Иван Петров", true},
		{"Anna-Maria Smith", true},
		{"Ivan", false},
		{"Ivan Petrov Sidorov Junior", false},
		{"Ivan 123", false},
		{"", false},
	}
	for _, c := range cases {
		fields, err := validateFullName(c.payload)
		if c.ok {
			if err != nil {
				t.Errorf("validateFullName(%q) failed: %v", c.payload, err)
				continue
			}
			if fields[models.FieldFullName] == "" {
				t.Errorf("validateFullName(%q) did not capture the name", c.payload)
			}
		} else if err == nil {
			t.Errorf("validateFullName(%q) should have failed", c.payload)
		}
	}
}

func TestValidateBirthDate(t *testing.T) {
	cases := []struct {
		payload string
		ok      bool
	}{
		{"15.06.1990", true},
		{"01.01.2000", true},
		{"1990-06-15", false},
		{"31.02.1990", false},
		{"15.06.2999", false}, // future
		{"garbage", false},
	}
	for _, c := range cases {
		_, err := validateBirthDate(c.payload)
		if c.ok && err != nil {
			t.Errorf("validateBirthDate(%q) failed: %v", c.payload, err)
		}
		if !c.ok && err == nil {
			t.Errorf("validateBirthDate(%q) should have failed", c.payload)
		}
	}
}

func TestValidateGender(t *testing.T) {
	for _, payload := range []string{"male", "female", " Male "} {
		if _, err := validateGender(payload); err != nil {
			t.Errorf("validateGender(%q) failed: %v", payload, err)
		}
	}
	for _, payload := range []string{"other", "", "m"} {
		if _, err := validateGender(payload); err == nil {
			t.Errorf("validateGender(%q) should have failed", payload)
		}
	}
}

func TestValidateReview(t *testing.T) {
	fields, err := validateReview("all_ok")
	if err != nil {
		t.Fatalf("validateReview(all_ok) failed: %v", err)
	}
	if fields[models.FieldConfirmed] != "true" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if _, err := validateReview("not ok"); err == nil {
		t.Error("validateReview(not ok) should have failed")
	}
}

func TestIsCancel(t *testing.T) {
	if !IsCancel("cancel") || !IsCancel("  CANCEL ") {
		t.Error("cancel keyword not recognized")
	}
	if IsCancel("continue") {
		t.Error("non-cancel input treated as cancel")
	}
}

func TestNewDefinitionRejectsInvalidSteps(t *testing.T) {
	valid := func(string) (map[models.FieldKey]string, error) { return nil, nil }

	if _, err := NewDefinition(nil); err == nil {
		t.Error("empty definition should be rejected")
	}
	if _, err := NewDefinition([]Step{{ID: models.StepCompleted, Validate: valid}}); err == nil {
		t.Error("terminal step in definition should be rejected")
	}
	if _, err := NewDefinition([]Step{
		{ID: models.StepConsent, Validate: valid},
		{ID: models.StepConsent, Validate: valid},
	}); err == nil {
		t.Error("duplicate step IDs should be rejected")
	}
	if _, err := NewDefinition([]Step{{ID: models.StepConsent}}); err == nil {
		t.Error("nil validator should be rejected")
	}
}
