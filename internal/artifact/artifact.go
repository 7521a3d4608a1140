// Package artifact names, discovers and writes the files tablesynth produces.
// The existence of an artifact path is its completion marker.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Kind string

const (
	KindHTMLRaw Kind = "HTML_RAW"
	KindPrompt  Kind = "PROMPT"
	KindImage   Kind = "IMAGE"
	KindLabel   Kind = "LABEL"
)

type Artifact struct {
	Path         string `json:"path"`
	Kind         Kind   `json:"kind"`
	SourceID     string `json:"source_id"`
	VariantIndex int    `json:"variant_index"`
	Colored      bool   `json:"colored"`
}

func HTMLName(index int) string   { return fmt.Sprintf("prompt_%04d.html", index) }
func PromptName(index int) string { return fmt.Sprintf("prompt_%04d.txt", index) }

var generatedName = regexp.MustCompile(`^prompt_(\d+)\.(html|txt)$`)

// ParseIndex extracts the output index from a generated file name.
func ParseIndex(name string) (int, bool) {
	m := generatedName.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ScanMaxIndex returns the largest index among generated files in dir, or -1 when there are none.
// A missing dir counts as empty.
func ScanMaxIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return -1, err
	}
	best := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := ParseIndex(e.Name()); ok && n > best {
			best = n
		}
	}
	return best, nil
}

// ImageName names one rendered variant. With a single variant per source the version suffix
// is dropped.
func ImageName(stem string, variant int, colored bool, single bool) string {
	name := stem
	if !single {
		name = fmt.Sprintf("%s_v%d", stem, variant+1)
	}
	if colored {
		name += "_colored"
	}
	return name + ".png"
}

// PartName is the path of the nth (1-based) part of a split image.
func PartName(imagePath string, part int) string {
	ext := filepath.Ext(imagePath)
	return fmt.Sprintf("%s_part%d%s", strings.TrimSuffix(imagePath, ext), part, ext)
}

func LabelName(stem string) string { return stem + ".html" }

// Stem is the file name without directory and extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ListSources returns the sorted paths of regular files in dir with extension ext.
func ListSources(dir string, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) != ext {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

var fenceLine = regexp.MustCompile("(?m)^[ \t]*```[a-zA-Z0-9_-]*[ \t]*$")

// CleanFences removes markdown code fences around generated markup. When the text holds a
// fenced block only the first block's body is kept.
func CleanFences(text string) string {
	locs := fenceLine.FindAllStringIndex(text, -1)
	if len(locs) >= 2 {
		return strings.TrimSpace(text[locs[0][1]:locs[1][0]])
	}
	if len(locs) == 1 {
		return strings.TrimSpace(text[:locs[0][0]] + text[locs[0][1]:])
	}
	return strings.TrimSpace(text)
}
