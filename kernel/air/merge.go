package air

import "fmt"

// DuplicateDefinitionError reports that two documents being merged into one
// Manifest declare the same name.
type DuplicateDefinitionError struct {
	Name any
}

func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("air: duplicate definition %v", e.Name)
}

func mergeInto[K comparable, V any](dst, src map[K]V) error {
	for k, v := range src {
		if _, exists := dst[k]; exists {
			return &DuplicateDefinitionError{Name: k}
		}
		dst[k] = v
	}
	return nil
}
