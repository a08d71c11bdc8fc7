package cpumask

import (
	"reflect"
	"testing"
)

func TestSetClearTest(t *testing.T) {
	var m Mask

	m = m.Set(0).Set(3).Set(5)
	for _, cpu := range []int{0, 3, 5} {
		if !m.Test(cpu) {
			t.Fatalf("cpu %d should be set", cpu)
		}
	}
	if m.Test(1) || m.Test(4) {
		t.Fatal("unexpected cpu set")
	}

	m = m.Clear(3)
	if m.Test(3) {
		t.Fatal("cpu 3 should be cleared")
	}
	if got := m.Weight(); got != 2 {
		t.Fatalf("weight = %d, want 2", got)
	}
}

func TestTestOutOfRange(t *testing.T) {
	m := Full(4)
	if m.Test(-1) || m.Test(64) || m.Test(100) {
		t.Fatal("out-of-range cpus must never test true")
	}
}

func TestFullAndAny(t *testing.T) {
	m := Full(4)
	if got := m.Weight(); got != 4 {
		t.Fatalf("weight = %d, want 4", got)
	}
	if got := m.Any(); got != 0 {
		t.Fatalf("any = %d, want lowest cpu", got)
	}

	var empty Mask
	if got := empty.Any(); got != -1 {
		t.Fatalf("any of empty = %d, want -1", got)
	}
	if !empty.Empty() {
		t.Fatal("zero mask must be empty")
	}
}

func TestOfAndCPUs(t *testing.T) {
	m := Of(2, 0, 7)
	if got, want := m.CPUs(), []int{0, 2, 7}; !reflect.DeepEqual(got, want) {
		t.Fatalf("cpus = %v, want %v", got, want)
	}
}

func TestForEachOrder(t *testing.T) {
	m := Of(1, 4, 6)
	var seen []int
	m.ForEach(func(cpu int) { seen = append(seen, cpu) })
	if got, want := seen, []int{1, 4, 6}; !reflect.DeepEqual(got, want) {
		t.Fatalf("visit order = %v, want ascending %v", got, want)
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		mask Mask
		want string
	}{
		{Of(0), "0"},
		{Of(0, 1, 2, 3), "0-3"},
		{Of(0, 2, 4), "0,2,4"},
		{Of(0, 1, 2, 5), "0-2,5"},
		{Mask(0), ""},
	}
	for _, c := range cases {
		if got := c.mask.String(); got != c.want {
			t.Fatalf("String(%b) = %q, want %q", uint64(c.mask), got, c.want)
		}
	}
}
