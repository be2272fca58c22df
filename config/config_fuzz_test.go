package config

import (
	"strings"
	"testing"
)

// FuzzParse checks that arbitrary input never panics and that parsing is
// deterministic.
// Run with: go test -fuzz=FuzzParse -fuzztime=30s ./config/
func FuzzParse(f *testing.F) {
	f.Add(sampleConfig)
	f.Add("self=1\nport=1\n1=localhost:1\n")
	f.Add("#=\n=\n==\n")
	f.Add("self=-2147483648\nport=65535\n-2147483648=[::1]:0\n")
	f.Add("")

	f.Fuzz(func(t *testing.T, input string) {
		a, errA := Parse(strings.NewReader(input), "fuzz")
		b, errB := Parse(strings.NewReader(input), "fuzz")
		if (errA == nil) != (errB == nil) {
			t.Fatalf("non-deterministic result: %v vs %v", errA, errB)
		}
		if errA != nil {
			return
		}
		if !a.Equal(b) {
			t.Fatalf("parsing twice differs: %+v vs %+v", a, b)
		}
		if _, ok := a.Peers[a.SelfID]; !ok {
			t.Fatalf("accepted config without self address: %+v", a)
		}
	})
}
