package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// loadWorkflow reads a workflow document from path and decodes it into a
// core.Workflow. YAML is decoded into a generic document first, then
// mapstructure decodes it against the same `json` struct tags the rest
// of the engine already uses (core.Workflow carries no yaml tags of its
// own), with the standard string-to-time.Duration hook so
// `initial_delay: 5s` in a retry block decodes without a custom type.
//
// Grounded on the donor's internal/config/loader.go's use of viper +
// mapstructure for tag-driven decoding, adapted here to a one-shot
// document decode instead of a layered precedence chain.
func loadWorkflow(path string) (*core.Workflow, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing workflow yaml: %w", err)
	}

	var wf core.Workflow
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &wf,
	})
	if err != nil {
		return nil, fmt.Errorf("building workflow decoder: %w", err)
	}
	if err := decoder.Decode(doc); err != nil {
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}

	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}
	return &wf, nil
}
