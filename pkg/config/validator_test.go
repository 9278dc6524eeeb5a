package config

import (
	"errors"
	"testing"
)

func TestConfigValidator_Required(t *testing.T) {
	cv := NewConfigValidator("TestConfig")
	cv.Required("Name", "")

	if !cv.HasErrors() {
		t.Error("Expected error for empty required field")
	}

	cv2 := NewConfigValidator("TestConfig")
	cv2.Required("Name", "value")

	if cv2.HasErrors() {
		t.Error("Expected no error for non-empty required field")
	}
}

func TestConfigValidator_RangeInt(t *testing.T) {
	tests := []struct {
		value   int
		wantErr bool
	}{
		{7, true},
		{8, false},
		{28, false},
		{29, true},
	}

	for _, tt := range tests {
		cv := NewConfigValidator("TestConfig").RangeInt("Depth", tt.value, 8, 28)
		if cv.HasErrors() != tt.wantErr {
			t.Errorf("RangeInt(%d) errors = %v, want %v", tt.value, cv.Errors(), tt.wantErr)
		}
	}
}

func TestConfigValidator_AtMost(t *testing.T) {
	cv := NewConfigValidator("TestConfig").AtMost("Initial", 5, "Max", 4)
	if !cv.HasErrors() {
		t.Error("Expected error when value exceeds the other field")
	}

	cv2 := NewConfigValidator("TestConfig").AtMost("Initial", 4, "Max", 4)
	if cv2.HasErrors() {
		t.Error("Expected no error when value equals the other field")
	}
}

func TestConfigValidator_Custom(t *testing.T) {
	sentinel := errors.New("bad value")
	cv := NewConfigValidator("TestConfig").Custom("Field", func() error { return sentinel })

	if !errors.Is(cv.Validate(), sentinel) {
		t.Errorf("Validate() = %v, want wrapped sentinel", cv.Validate())
	}
}

func TestConfigValidator_When(t *testing.T) {
	cv := NewConfigValidator("TestConfig").
		When(false, func(cv *ConfigValidator) { cv.Required("Skipped", "") }).
		When(true, func(cv *ConfigValidator) { cv.Required("Checked", "") })

	if len(cv.Errors()) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(cv.Errors()))
	}
}

func TestConfigValidator_Validate(t *testing.T) {
	if err := NewConfigValidator("TestConfig").Validate(); err != nil {
		t.Errorf("Expected nil for no errors, got %v", err)
	}

	sentinel := errors.New("second")
	err := NewConfigValidator("TestConfig").
		Required("A", "").
		Custom("B", func() error { return sentinel }).
		Validate()
	if err == nil {
		t.Fatal("Expected combined error")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected combined error to wrap every error, got %v", err)
	}
}
