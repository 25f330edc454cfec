package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

var errEmptyConfig = errors.New("config document is empty")

// parseYaml decodes a single yaml document and rejects keys unknown to out.
func parseYaml(out interface{}, blob []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	err := dec.Decode(out)
	if errors.Is(err, io.EOF) {
		return errEmptyConfig
	}
	if err != nil {
		return fmt.Errorf("can't parse yaml: %w", err)
	}
	return nil
}
