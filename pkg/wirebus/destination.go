package wirebus

import "fmt"

// Destinations accept three shapes: a single group name, a list of group
// names, or an explicit map of group name to count. normalizeCounts folds
// them all into the map form, applying def as the count for the name-only
// shapes. Invalid destinations fail here, synchronously, before anything is
// handed to the network loop.
func normalizeCounts(destination any, def int) (map[string]int, error) {
	switch d := destination.(type) {
	case string:
		if d == "" {
			return nil, ErrEmptyDestination
		}
		return map[string]int{d: def}, nil
	case []string:
		if len(d) == 0 {
			return nil, ErrEmptyDestination
		}
		out := make(map[string]int, len(d))
		for _, g := range d {
			if g == "" {
				return nil, ErrEmptyDestination
			}
			out[g] = def
		}
		return out, nil
	case map[string]int:
		if len(d) == 0 {
			return nil, ErrEmptyDestination
		}
		out := make(map[string]int, len(d))
		for g, n := range d {
			if g == "" {
				return nil, ErrEmptyDestination
			}
			out[g] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadDestination, destination)
	}
}
