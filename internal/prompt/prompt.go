// Package prompt builds the text sent to the assistant for each flow.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Data is the input to every template.
type Data struct {
	Artefact    string
	Profile     string
	Description string
}

type templateFile struct {
	Description      string `yaml:"description"`
	MoreInfo         string `yaml:"more_info"`
	MoreInfoFallback string `yaml:"more_info_fallback"`
}

// Builder renders prompts from parsed templates. It is safe for concurrent use.
type Builder struct {
	description      *template.Template
	moreInfo         *template.Template
	moreInfoFallback *template.Template
}

// Load parses the embedded templates, then overlays any template defined in
// the YAML file at path. An empty path uses the embedded set only.
func Load(path string) (*Builder, error) {
	var tf templateFile
	if err := yaml.Unmarshal(defaultTemplates, &tf); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompts file: %w", err)
		}
		var override templateFile
		if err := yaml.Unmarshal(raw, &override); err != nil {
			return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
		}
		if override.Description != "" {
			tf.Description = override.Description
		}
		if override.MoreInfo != "" {
			tf.MoreInfo = override.MoreInfo
		}
		if override.MoreInfoFallback != "" {
			tf.MoreInfoFallback = override.MoreInfoFallback
		}
	}

	b := &Builder{}
	for _, t := range []struct {
		name string
		src  string
		dst  **template.Template
	}{
		{"description", tf.Description, &b.description},
		{"more_info", tf.MoreInfo, &b.moreInfo},
		{"more_info_fallback", tf.MoreInfoFallback, &b.moreInfoFallback},
	} {
		if strings.TrimSpace(t.src) == "" {
			return nil, fmt.Errorf("template %q is empty", t.name)
		}
		parsed, err := template.New(t.name).Option("missingkey=error").Parse(t.src)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w", t.name, err)
		}
		*t.dst = parsed
	}
	return b, nil
}

// Description renders the adaptation prompt.
func (b *Builder) Description(d Data) (string, error) {
	return render(b.description, d)
}

// MoreInfo renders the follow-up prompt.
func (b *Builder) MoreInfo(d Data) (string, error) {
	return render(b.moreInfo, d)
}

// MoreInfoFallback renders the text returned when a follow-up cannot be generated.
func (b *Builder) MoreInfoFallback(d Data) string {
	s, err := render(b.moreInfoFallback, d)
	if err != nil || s == "" {
		return d.Description
	}
	return s
}

func render(t *template.Template, d Data) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(sb.String()), nil
}
