package nn

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LabelMap maps a detector's class ids to label names
type LabelMap map[int]string

// Name returns the label for a class id, or an empty string if the id is unknown
func (m LabelMap) Name(class int) string {
	return m[class]
}

// Resolve returns the label name of a detection
func (m LabelMap) Resolve(det *ObjectDetection) string {
	if det.Label != "" {
		return det.Label
	}
	return m.Name(det.Class)
}

// LoadLabelFile reads a label file.
// Two formats are accepted. Either every line is "<id> <label>", or every line is
// just a label, in which case the id is the line number, starting at zero.
// Blank lines are ignored.
func LoadLabelFile(filename string) (LabelMap, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	labels := LabelMap{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, name, hasID := strings.Cut(line, " ")
		if num, err := strconv.Atoi(id); hasID && err == nil {
			labels[num] = strings.TrimSpace(name)
		} else {
			labels[lineNo] = line
		}
		lineNo++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("Failed to read label file %v: %w", filename, err)
	}
	return labels, nil
}
