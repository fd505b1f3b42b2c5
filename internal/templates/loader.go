package templates

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/exospherehost/runtime/internal/domain"
)

// Decode reads one YAML template. Retry policy fields left out of the
// document keep their defaults.
func Decode(r io.Reader) (domain.GraphTemplate, error) {
	tmpl := domain.GraphTemplate{RetryPolicy: domain.DefaultRetryPolicy()}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tmpl); err != nil {
		return domain.GraphTemplate{}, fmt.Errorf("decode template: %w", err)
	}
	if tmpl.RetryPolicy.Strategy == "" {
		tmpl.RetryPolicy.Strategy = domain.RetryExponential
	}
	return tmpl, nil
}

func LoadFile(path string) (domain.GraphTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.GraphTemplate{}, err
	}
	tmpl, err := Decode(bytes.NewReader(data))
	if err != nil {
		return domain.GraphTemplate{}, fmt.Errorf("%s: %w", path, err)
	}
	return tmpl, nil
}
