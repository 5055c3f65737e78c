package detection

import (
	"fmt"
	"os"
	"strings"
)

// LoadClassNames reads one class name per line. Blank trailing lines are
// dropped; blank lines in the middle keep their index.
func LoadClassNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read class names: %v", ErrModelLoad, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: class names file %s is empty", ErrModelLoad, path)
	}
	return lines, nil
}

// ClassName returns the human readable name for id, or "class<id>" when the
// id is not covered by names.
func ClassName(names []string, id int) string {
	if id >= 0 && id < len(names) && names[id] != "" {
		return names[id]
	}
	return fmt.Sprintf("class%d", id)
}
