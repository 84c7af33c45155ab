// Package manifest provides YAML manifest parsing for conduit systems.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// ParseFile reads a YAML file at the given path and parses it into typed
// manifests. Multi-document YAML (separated by ---) is supported.
func ParseFile(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file %s: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes parses raw YAML bytes into typed manifests.
// Multi-document YAML (separated by ---) is supported.
func ParseBytes(data []byte) ([]interface{}, error) {
	return parseDocuments(data)
}

// ParseSystems parses data and returns the system configs it declares, in
// document order.
func ParseSystems(data []byte) ([]v1alpha1.SystemConfig, error) {
	resources, err := ParseBytes(data)
	if err != nil {
		return nil, err
	}
	cfgs := make([]v1alpha1.SystemConfig, 0, len(resources))
	for _, r := range resources {
		if m, ok := r.(*v1alpha1.SystemManifest); ok {
			cfgs = append(cfgs, m.Spec)
		}
	}
	return cfgs, nil
}

// FromConfig wraps cfg in a manifest document.
func FromConfig(cfg v1alpha1.SystemConfig) v1alpha1.SystemManifest {
	return v1alpha1.SystemManifest{
		TypeMeta: v1alpha1.TypeMeta{APIVersion: v1alpha1.APIVersion, Kind: v1alpha1.KindSystem},
		Metadata: v1alpha1.ObjectMeta{Name: cfg.Name},
		Spec:     cfg,
	}
}

// Encode writes cfgs as a multi-document manifest.
func Encode(w io.Writer, cfgs []v1alpha1.SystemConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, cfg := range cfgs {
		if err := enc.Encode(FromConfig(cfg)); err != nil {
			return fmt.Errorf("encoding system %s: %w", cfg.Name, err)
		}
	}
	return enc.Close()
}

// parseDocuments splits multi-document YAML and decodes each document into
// its concrete manifest type.
func parseDocuments(data []byte) ([]interface{}, error) {
	var resources []interface{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))

	for i := 0; ; i++ {
		// Decode into a generic yaml.Node so we can re-decode it.
		var node yaml.Node
		if err := decoder.Decode(&node); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decoding yaml document %d: %w", i, err)
		}

		if node.Kind == 0 {
			continue
		}

		var meta v1alpha1.TypeMeta
		if err := node.Decode(&meta); err != nil {
			return nil, fmt.Errorf("decoding type meta: %w", err)
		}
		if meta.Kind == "" && meta.APIVersion == "" {
			continue
		}
		if meta.APIVersion != "" && meta.APIVersion != v1alpha1.APIVersion {
			return nil, fmt.Errorf("document %d: unsupported apiVersion %q", i, meta.APIVersion)
		}

		resource, err := decodeResource(&node, meta.Kind)
		if err != nil {
			return nil, err
		}
		if err := normalize(resource); err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}

	return resources, nil
}

// decodeResource unmarshals a yaml.Node into the concrete type for kind.
func decodeResource(node *yaml.Node, kind string) (interface{}, error) {
	switch kind {
	case v1alpha1.KindSystem:
		var r v1alpha1.SystemManifest
		if err := node.Decode(&r); err != nil {
			return nil, fmt.Errorf("decoding System: %w", err)
		}
		return &r, nil

	default:
		return nil, fmt.Errorf("unknown resource kind: %q", kind)
	}
}

// normalize fills defaults and checks the fields every document needs.
// Spec.Name defaults to the metadata name; the two must agree when both are
// set.
func normalize(resource interface{}) error {
	switch r := resource.(type) {
	case *v1alpha1.SystemManifest:
		if r.APIVersion == "" {
			r.APIVersion = v1alpha1.APIVersion
		}
		if r.Metadata.Name == "" {
			return fmt.Errorf("validation failed: System name must not be empty")
		}
		switch r.Spec.Name {
		case "":
			r.Spec.Name = r.Metadata.Name
		case r.Metadata.Name:
		default:
			return fmt.Errorf("validation failed: System %q has spec name %q", r.Metadata.Name, r.Spec.Name)
		}
		if r.Spec.Type == "" {
			return fmt.Errorf("validation failed: System %q needs a type", r.Metadata.Name)
		}
	}
	return nil
}
