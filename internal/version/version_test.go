package version

import "testing"

func TestGet_Embedded(t *testing.T) {
	if got := Get(); got == "" {
		t.Fatal("embedded version is empty")
	}
}

func TestGet_Override(t *testing.T) {
	old := Override
	defer func() { Override = old }()

	Override = " v9.9.9\n"
	if got := Get(); got != "v9.9.9" {
		t.Errorf("Get() = %q, want v9.9.9", got)
	}
}
