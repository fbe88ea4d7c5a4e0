package gen

import (
	"errors"
	"strings"
	"testing"
)

func validSpec() GenerateSpec {
	return GenerateSpec{
		Prompt:            "a lighthouse at dusk",
		Height:            1024,
		Width:             1024,
		NumInferenceSteps: 9,
		GuidanceScale:     0,
	}
}

func TestNormalize_FillsDefaults(t *testing.T) {
	s := GenerateSpec{Prompt: "p"}
	s.Normalize()

	if s.Height != 1024 || s.Width != 1024 {
		t.Fatalf("unexpected dimensions: %dx%d", s.Width, s.Height)
	}
	if s.NumInferenceSteps != 9 {
		t.Fatalf("unexpected steps: %d", s.NumInferenceSteps)
	}
}

func TestValidate_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*GenerateSpec)
	}{
		{"empty prompt", func(s *GenerateSpec) { s.Prompt = "" }},
		{"prompt too long", func(s *GenerateSpec) { s.Prompt = strings.Repeat("x", 4097) }},
		{"height too small", func(s *GenerateSpec) { s.Height = 63 }},
		{"height too large", func(s *GenerateSpec) { s.Height = 2049 }},
		{"width too small", func(s *GenerateSpec) { s.Width = 32 }},
		{"steps zero", func(s *GenerateSpec) { s.NumInferenceSteps = 0 }},
		{"steps too many", func(s *GenerateSpec) { s.NumInferenceSteps = 51 }},
		{"negative guidance", func(s *GenerateSpec) { s.GuidanceScale = -0.1 }},
		{"guidance too large", func(s *GenerateSpec) { s.GuidanceScale = 20.5 }},
		{"zero max sequence length", func(s *GenerateSpec) { v := 0; s.MaxSequenceLength = &v }},
	}

	for _, tc := range cases {
		s := validSpec()
		tc.mutate(&s)
		if err := s.Validate(); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("%s: expected ErrInvalidSpec, got %v", tc.name, err)
		}
	}

	s := validSpec()
	if err := s.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestValidateBatchSize(t *testing.T) {
	for _, n := range []int{1, 16} {
		if err := ValidateBatchSize(n); err != nil {
			t.Fatalf("batch size %d rejected: %v", n, err)
		}
	}
	for _, n := range []int{0, -1, 17} {
		if err := ValidateBatchSize(n); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("batch size %d: expected ErrInvalidSpec, got %v", n, err)
		}
	}
}

func TestItemSeed_FanOut(t *testing.T) {
	base := int64(100)
	s := GenerateSpec{Seed: &base}

	for i := 0; i < 4; i++ {
		got := s.ItemSeed(i)
		if got == nil {
			t.Fatalf("item %d: expected derived seed", i)
		}
		if *got != base+int64(i) {
			t.Fatalf("item %d: expected seed %d, got %d", i, base+int64(i), *got)
		}
	}

	unseeded := GenerateSpec{}
	if unseeded.ItemSeed(3) != nil {
		t.Fatalf("unseeded spec must derive nil item seeds")
	}
}
