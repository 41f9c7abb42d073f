package hashing

import (
	"strconv"
	"testing"
)

func TestHashToBucketDeterministic(t *testing.T) {
	b1 := HashToBucket("user_456", "experiment_v2")
	b2 := HashToBucket("user_456", "experiment_v2")
	if b1 != b2 {
		t.Fatalf("expected deterministic bucket, got %d and %d", b1, b2)
	}
}

func TestHashToBucketInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		b := HashToBucket("user_123", "layer1_v1")
		if b >= BucketSize {
			t.Fatalf("bucket %d out of range [0, %d)", b, BucketSize)
		}
	}
}

func TestDifferentSaltsDecorrelate(t *testing.T) {
	matches := 0
	const n = 1000
	for i := 0; i < n; i++ {
		key := "user_" + strconv.Itoa(i)
		b1 := HashToBucket(key, "salt_a")
		b2 := HashToBucket(key, "salt_b")
		if b1 == b2 {
			matches++
		}
	}
	if ratio := float64(matches) / float64(n); ratio >= 0.05 {
		t.Fatalf("expected <5%% coincidental matches across salts, got %.4f", ratio)
	}
}

func TestHashUniformity(t *testing.T) {
	const n = 100000
	counts := make([]int, BucketSize)
	for i := 0; i < n; i++ {
		key := "user_" + strconv.Itoa(i)
		b := HashToBucket(key, "uniformity_salt_v1")
		counts[b]++
	}

	expected := n / int(BucketSize)
	within := 0
	for _, c := range counts {
		if c >= expected/2 && c <= expected*2 {
			within++
		}
	}
	if ratio := float64(within) / float64(BucketSize); ratio < 0.95 {
		t.Fatalf("expected >=95%% of bins within [expected/2, expected*2], got %.4f", ratio)
	}
}

func TestStringifyHashKeyValue(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
		ok   bool
	}{
		{"abc", "abc", true},
		{int(42), "42", true},
		{int64(42), "42", true},
		{float64(42), "42", true},
		{float64(3.5), "3.5", true},
		{true, "", false},
		{nil, "", false},
	}
	for _, c := range cases {
		got, ok := StringifyHashKeyValue(c.in)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("StringifyHashKeyValue(%#v) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
