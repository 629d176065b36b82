package canonical

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genFlatMap() gopter.Gen {
	return gen.MapOf(gen.Identifier(), gen.Int()).Map(func(m map[string]int) map[string]any {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	})
}

func TestCanonicalProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoding is stable across calls", prop.ForAll(
		func(m map[string]any) bool {
			a, errA := Marshal(m)
			b, errB := Marshal(m)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		genFlatMap(),
	))

	properties.Property("canonical output is valid JSON preserving the value", prop.ForAll(
		func(m map[string]any) bool {
			raw, err := Marshal(m)
			if err != nil {
				return false
			}
			var back map[string]json.Number
			if err := json.Unmarshal(raw, &back); err != nil {
				return false
			}
			if len(back) != len(m) {
				return false
			}
			for k, v := range m {
				n, ok := back[k]
				if !ok {
					return false
				}
				got, err := n.Int64()
				if err != nil || got != int64(v.(int)) {
					return false
				}
			}
			return true
		},
		genFlatMap(),
	))

	properties.Property("equal values hash equal, key order aside", prop.ForAll(
		func(m map[string]any) bool {
			// Round-tripping through encoding/json reorders nothing
			// semantically but rebuilds the map fresh.
			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			var clone map[string]any
			if err := json.Unmarshal(raw, &clone); err != nil {
				return false
			}
			h1, err1 := Hash(m)
			h2, err2 := Hash(clone)
			return err1 == nil && err2 == nil && h1 == h2
		},
		genFlatMap(),
	))

	properties.TestingRun(t)
}
