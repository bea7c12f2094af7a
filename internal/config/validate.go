package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	yaml2 "gopkg.in/yaml.v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration does not match the schema.
var ErrInvalid = errors.New("invalid configuration")

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("failed to load config schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Validate checks c against the config schema.
func (c *Config) Validate() error {
	data, err := yaml2.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return validateYAML(data)
}

// ValidateFile checks a config file against the schema. Unknown keys are
// reported, which catches misspelled settings viper would ignore.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return validateYAML(data)
}

func validateYAML(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw == nil {
		// An empty file means all defaults.
		return nil
	}

	// Round-trip through JSON so the validator sees JSON types.
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var doc any
	if err := json.Unmarshal(js, &doc); err != nil {
		return fmt.Errorf("failed to decode config for validation: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
