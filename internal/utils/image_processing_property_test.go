package utils

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFitWithin_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("never exceeds the bound", prop.ForAll(
		func(w, h, maxSide int) bool {
			out, err := FitWithin(parchment(w, h), maxSide)
			if err != nil {
				return false
			}
			b := out.Bounds()
			return b.Dx() <= maxSide && b.Dy() <= maxSide
		},
		gen.IntRange(1, 400), gen.IntRange(1, 400), gen.IntRange(8, 200),
	))

	properties.Property("never upscales", prop.ForAll(
		func(w, h, maxSide int) bool {
			out, err := FitWithin(parchment(w, h), maxSide)
			if err != nil {
				return false
			}
			b := out.Bounds()
			return b.Dx() <= w && b.Dy() <= h
		},
		gen.IntRange(1, 400), gen.IntRange(1, 400), gen.IntRange(8, 600),
	))

	properties.Property("keeps the longer side at the bound when scaling", prop.ForAll(
		func(w, h, maxSide int) bool {
			if w <= maxSide && h <= maxSide {
				return true
			}
			out, err := FitWithin(parchment(w, h), maxSide)
			if err != nil {
				return false
			}
			b := out.Bounds()
			return max(b.Dx(), b.Dy()) == maxSide
		},
		gen.IntRange(1, 400), gen.IntRange(1, 400), gen.IntRange(8, 200),
	))

	properties.TestingRun(t)
}
