package nn

import (
	"errors"
	"fmt"
	"slices"
)

// StateDict maps parameter and buffer names to their values
type StateDict map[string]*Tensor

// GetStateDict copies the parameters and buffers of l
func GetStateDict(l Layer) StateDict {
	sd := StateDict{}
	for _, p := range AllParameters(l) {
		sd[p.Name] = p.Value.Clone()
	}
	return sd
}

// LoadStateDict copies sd into l. Every name must be present on both sides with the same shape.
func LoadStateDict(l Layer, sd StateDict) error {
	var errs []error
	seen := map[string]bool{}
	for _, p := range AllParameters(l) {
		seen[p.Name] = true
		t, ok := sd[p.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("missing key %q", p.Name))
			continue
		}
		if !t.SameShape(p.Value) || len(t.Data) != len(p.Value.Data) {
			errs = append(errs, fmt.Errorf("size mismatch for %q: checkpoint has %v, model has %v", p.Name, t.Shape, p.Value.Shape))
			continue
		}
		copy(p.Value.Data, t.Data)
	}
	var unexpected []string
	for name := range sd {
		if !seen[name] {
			unexpected = append(unexpected, name)
		}
	}
	slices.Sort(unexpected)
	for _, name := range unexpected {
		errs = append(errs, fmt.Errorf("unexpected key %q", name))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("error loading state dict: %w", err)
	}
	return nil
}
