package provider

import (
	"errors"
	"testing"
)

type stub struct {
	id       string
	disabled string
}

func (s stub) ID() string             { return s.id }
func (s stub) Description() string    { return "stub " + s.id }
func (s stub) DisabledReason() string { return s.disabled }
func (s stub) ValidateConfig(config string) error {
	if config == "" {
		return errors.New("empty")
	}
	return nil
}

func TestRegistryGet(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry[stub](stub{id: "dummy"}, stub{id: "gpiod", disabled: "no chip"})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	tests := []struct {
		id   string
		want error
	}{
		{"dummy", nil},
		{" dummy ", nil},
		{"nope", ErrInvalidProviderID},
		{"gpiod", ErrProviderDisabled},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.id, func(t *testing.T) {
			t.Parallel()
			_, err := r.Get(tt.id)
			if !errors.Is(err, tt.want) && !(tt.want == nil && err == nil) {
				t.Fatalf("Get(%q) error = %v, want %v", tt.id, err, tt.want)
			}
		})
	}
}

func TestRegistryDuplicate(t *testing.T) {
	t.Parallel()
	if _, err := NewRegistry[stub](stub{id: "a"}, stub{id: "a"}); err == nil {
		t.Fatal("NewRegistry accepted duplicate ids")
	}
}

func TestRegistryValidate(t *testing.T) {
	t.Parallel()
	r, _ := NewRegistry[stub](stub{id: "dummy"})
	if err := r.Validate("dummy", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate empty error = %v", err)
	}
	if err := r.Validate("missing", "x"); !errors.Is(err, ErrInvalidProviderID) {
		t.Fatalf("Validate unknown error = %v", err)
	}
	if got := r.List(); len(got) != 1 || got[0].ID != "dummy" {
		t.Fatalf("List = %+v", got)
	}
}

func TestSplitConfig(t *testing.T) {
	t.Parallel()
	parts, err := SplitConfig(" host.local ; 2 ", 2, "<host>;<index>")
	if err != nil || parts[0] != "host.local" || parts[1] != "2" {
		t.Fatalf("SplitConfig = %v, %v", parts, err)
	}
	if _, err := SplitConfig("a;b;c", 2, "x"); err == nil {
		t.Fatal("SplitConfig accepted three parts")
	}
	if _, err := SplitConfig("a\n;b", 2, "x"); err == nil {
		t.Fatal("SplitConfig accepted newline")
	}
}
