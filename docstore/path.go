package docstore

import (
	"fmt"
	"strings"
)

const pathSeparator = "/"

// Doc joins path segments into a document or collection path.
func Doc(segments ...string) string {
	return strings.Join(segments, pathSeparator)
}

func segmentsOf(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(path, pathSeparator)
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// splitDoc splits a document path into its parent collection path and id.
func splitDoc(path string) (collection, id string, err error) {
	parts, err := segmentsOf(path)
	if err != nil {
		return "", "", err
	}
	if len(parts)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is a collection, not a document", ErrInvalidPath, path)
	}
	return Doc(parts[:len(parts)-1]...), parts[len(parts)-1], nil
}

func validateCollection(path string) error {
	parts, err := segmentsOf(path)
	if err != nil {
		return err
	}
	if len(parts)%2 != 1 {
		return fmt.Errorf("%w: %q is a document, not a collection", ErrInvalidPath, path)
	}
	return nil
}
