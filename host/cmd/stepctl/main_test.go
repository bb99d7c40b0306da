package main

import (
	"testing"

	"stepkernel/stepper"
)

func TestParseMove(t *testing.T) {
	mv, err := parseMove([]string{"X=100", "e=-20", "v0=500", "v=3000", "a=20000", "k=0.02"})
	if err != nil {
		t.Fatalf("parseMove: %v", err)
	}
	if mv.Steps[stepper.X] != 100 || mv.Steps[stepper.E] != -20 {
		t.Errorf("Expected X=100 E=-20, got %v", mv.Steps)
	}
	if mv.Initial != 500 || mv.Nominal != 3000 || mv.Final != stepper.MinimalStepRate || mv.Accel != 20000 {
		t.Errorf("Unexpected rates %+v", mv)
	}
	if mv.Advance != 0.02 {
		t.Errorf("Expected k 0.02, got %v", mv.Advance)
	}

	mv, err = parseMove([]string{"Y=5", "v0=800"})
	if err != nil {
		t.Fatalf("parseMove: %v", err)
	}
	if mv.Nominal != 800 {
		t.Errorf("Expected nominal to default to 800, got %d", mv.Nominal)
	}

	for _, bad := range [][]string{{"X"}, {"speed=3"}, {"X=abc"}} {
		if _, err := parseMove(bad); err == nil {
			t.Errorf("Expected error for %v", bad)
		}
	}
}

func TestAxisArg(t *testing.T) {
	if a, err := axisArg([]string{"z"}, 0); err != nil || a != stepper.Z {
		t.Errorf("Expected Z, got %v (%v)", a, err)
	}
	if _, err := axisArg(nil, 0); err == nil {
		t.Error("Expected error for missing axis")
	}
	if _, err := axisArg([]string{"Q"}, 0); err == nil {
		t.Error("Expected error for unknown axis")
	}
}
