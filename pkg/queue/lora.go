package queue

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/diffuselab/diffused/pkg/native"
)

// loraTag matches <lora:name> and <lora:name:weight> prompt syntax. Name may
// contain slashes for models in subdirectories.
var loraTag = regexp.MustCompile(`<lora:([^:>]+)(?::([0-9]*\.?[0-9]+))?>`)

// ExtractLoras strips LoRA tags from a prompt and returns the cleaned prompt
// plus the adapters they named. A tag without a weight defaults to 1.0;
// repeated tags for the same adapter keep the last weight.
func ExtractLoras(prompt string) (string, []native.LoraSpec) {
	matches := loraTag.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return prompt, nil
	}

	byName := make(map[string]int)
	var specs []native.LoraSpec
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		weight := 1.0
		if m[2] != "" {
			if w, err := strconv.ParseFloat(m[2], 64); err == nil {
				weight = w
			}
		}
		if i, seen := byName[name]; seen {
			specs[i].Weight = weight
			continue
		}
		byName[name] = len(specs)
		specs = append(specs, native.LoraSpec{Name: name, Weight: weight})
	}

	cleaned := loraTag.ReplaceAllString(prompt, "")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return cleaned, specs
}
