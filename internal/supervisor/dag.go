package supervisor

import (
	"fmt"
	"sort"
)

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// topoSort orders the keys of deps (name -> its dependency names) so
// every dependency precedes its dependents, or reports the cycle that
// makes that impossible. A name referenced only as a dependency and
// never itself a key is a configuration error caught here rather than
// left to surface as a nil-pointer later.
func topoSort(deps map[string][]string) ([]string, error) {
	color := make(map[string]int, len(deps))
	order := make([]string, 0, len(deps))

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case colorBlack:
			return nil
		case colorGray:
			return fmt.Errorf("dependency cycle detected: %v -> %s", path, name)
		}
		color[name] = colorGray
		for _, dep := range deps[name] {
			if _, ok := deps[dep]; !ok {
				return fmt.Errorf("component %q depends on unregistered component %q", name, dep)
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = colorBlack
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
