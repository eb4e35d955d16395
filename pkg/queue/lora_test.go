package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffuselab/diffused/pkg/native"
)

func TestExtractLoras(t *testing.T) {
	tests := []struct {
		name       string
		prompt     string
		wantPrompt string
		wantSpecs  []native.LoraSpec
	}{
		{
			name:       "no tags",
			prompt:     "a castle on a hill",
			wantPrompt: "a castle on a hill",
		},
		{
			name:       "tag with weight",
			prompt:     "portrait <lora:film-grain:0.6> of a sailor",
			wantPrompt: "portrait of a sailor",
			wantSpecs:  []native.LoraSpec{{Name: "film-grain", Weight: 0.6}},
		},
		{
			name:       "tag without weight defaults to one",
			prompt:     "<lora:detail-tweaker> macro shot",
			wantPrompt: "macro shot",
			wantSpecs:  []native.LoraSpec{{Name: "detail-tweaker", Weight: 1.0}},
		},
		{
			name:       "repeated tag keeps last weight",
			prompt:     "<lora:style:0.3> x <lora:style:0.9>",
			wantPrompt: "x",
			wantSpecs:  []native.LoraSpec{{Name: "style", Weight: 0.9}},
		},
		{
			name:       "multiple adapters",
			prompt:     "<lora:a:0.5><lora:sub/dir-model:1.2> scene",
			wantPrompt: "scene",
			wantSpecs: []native.LoraSpec{
				{Name: "a", Weight: 0.5},
				{Name: "sub/dir-model", Weight: 1.2},
			},
		},
		{
			name:       "whitespace collapsed around removed tags",
			prompt:     "before   <lora:x:1>   after",
			wantPrompt: "before after",
			wantSpecs:  []native.LoraSpec{{Name: "x", Weight: 1.0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, specs := ExtractLoras(tt.prompt)
			assert.Equal(t, tt.wantPrompt, cleaned)
			require.Len(t, specs, len(tt.wantSpecs))
			for i, want := range tt.wantSpecs {
				assert.Equal(t, want.Name, specs[i].Name)
				assert.InDelta(t, want.Weight, specs[i].Weight, 1e-9)
			}
		})
	}
}
