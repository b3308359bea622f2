package generation

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/agentforge/internal/catalog"
)

// Input records a handoff consumed while generating an artifact.
type Input struct {
	From   string `yaml:"from" json:"from"`
	Digest string `yaml:"digest" json:"digest"`
}

// Budget is the artifact's declared resource consumption.
type Budget struct {
	Tokens int `yaml:"tokens" json:"tokens"`
}

// Artifact is the structured configuration document produced for one
// template. Its YAML encoding is what gets staged and committed.
type Artifact struct {
	TemplateID   string            `yaml:"template_id" json:"template_id"`
	Name         string            `yaml:"name" json:"name"`
	Variant      catalog.Variant   `yaml:"variant" json:"variant"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities"`
	Permissions  []string          `yaml:"permissions" json:"permissions"`
	Tools        []string          `yaml:"tools,omitempty" json:"tools,omitempty"`
	References   []string          `yaml:"references,omitempty" json:"references,omitempty"`
	Instructions []string          `yaml:"instructions" json:"instructions"`
	Context      map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
	Inputs       []Input           `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Budget       Budget            `yaml:"budget" json:"budget"`
	GeneratedBy  string            `yaml:"generated_by" json:"generated_by"`
}

// Check is the structural pre-check run before an artifact is staged.
func (a *Artifact) Check() error {
	switch {
	case a == nil:
		return fmt.Errorf("artifact is nil")
	case a.TemplateID == "":
		return fmt.Errorf("template_id is required")
	case a.Name == "":
		return fmt.Errorf("name is required")
	case !a.Variant.Valid():
		return fmt.Errorf("unknown variant %q", a.Variant)
	case len(a.Instructions) == 0:
		return fmt.Errorf("at least one instruction is required")
	case a.Budget.Tokens < 0:
		return fmt.Errorf("budget.tokens must not be negative")
	}
	return nil
}

// Encode renders the artifact as YAML.
func (a *Artifact) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(a); err != nil {
		return nil, fmt.Errorf("encode artifact %s: %w", a.TemplateID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode artifact %s: %w", a.TemplateID, err)
	}
	return buf.Bytes(), nil
}

// DecodeArtifact parses YAML strictly: unknown fields are an error.
func DecodeArtifact(data []byte) (*Artifact, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.Permissions = append([]string(nil), a.Permissions...)
	out.Tools = append([]string(nil), a.Tools...)
	out.References = append([]string(nil), a.References...)
	out.Instructions = append([]string(nil), a.Instructions...)
	out.Inputs = append([]Input(nil), a.Inputs...)
	if a.Context != nil {
		out.Context = make(map[string]string, len(a.Context))
		for k, v := range a.Context {
			out.Context[k] = v
		}
	}
	return &out
}
