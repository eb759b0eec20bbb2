package resultcache

import "testing"

func TestCompute_OrderIndependent(t *testing.T) {
	a := Compute(FingerprintInput{
		Workspace:    "w1",
		Intersection: []uint32{3, 1, 2},
		Union:        []uint32{9, 7},
		Observed:     []ObservedVersion{{TagID: 3, Version: 5}, {TagID: 1, Version: 2}},
	})
	b := Compute(FingerprintInput{
		Workspace:    "w1",
		Intersection: []uint32{1, 2, 3},
		Union:        []uint32{7, 9},
		Observed:     []ObservedVersion{{TagID: 1, Version: 2}, {TagID: 3, Version: 5}},
	})
	if a != b {
		t.Fatalf("expected order-independent fingerprints, got %s vs %s", a, b)
	}
}

func TestCompute_SensitiveToEveryField(t *testing.T) {
	base := FingerprintInput{
		Workspace:    "w1",
		Intersection: []uint32{1},
		Union:        []uint32{2},
		Exclusion:    []uint32{3},
		Limit:        10,
		HasLimit:     true,
		Observed:     []ObservedVersion{{TagID: 1, Version: 1}},
	}
	fp := Compute(base)

	variants := []FingerprintInput{}

	v := base
	v.Workspace = "w2"
	variants = append(variants, v)

	v = base
	v.Intersection = []uint32{4}
	variants = append(variants, v)

	v = base
	v.Union = nil
	variants = append(variants, v)

	v = base
	v.Exclusion = nil
	variants = append(variants, v)

	v = base
	v.Limit = 11
	variants = append(variants, v)

	v = base
	v.HasLimit = false
	v.Limit = 0
	variants = append(variants, v)

	v = base
	v.Observed = []ObservedVersion{{TagID: 1, Version: 2}}
	variants = append(variants, v)

	for i, variant := range variants {
		if Compute(variant) == fp {
			t.Fatalf("variant %d produced the same fingerprint as the base input", i)
		}
	}
}

func TestCompute_SetsNotConfusedAcrossPhases(t *testing.T) {
	a := Compute(FingerprintInput{Workspace: "w", Intersection: []uint32{1}})
	b := Compute(FingerprintInput{Workspace: "w", Union: []uint32{1}})
	c := Compute(FingerprintInput{Workspace: "w", Exclusion: []uint32{1}})
	if a == b || b == c || a == c {
		t.Fatalf("the same tag in different phases must fingerprint differently: %s %s %s", a, b, c)
	}
}
