package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

type DumpFormat string

const (
	DumpYAML DumpFormat = "yaml"
	DumpJSON DumpFormat = "json"
)

var secretFieldNames = []string{
	"password",
	"token",
	"secret",
	"key",
	"credential",
	"authorization",
}

// Dump renders the effective settings in the requested format with
// credential-bearing fields masked, for `sonar-tools config`.
func Dump(settings *Settings, format DumpFormat) ([]byte, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings is nil")
	}

	masked := *settings
	maskSecretsInStruct(reflect.ValueOf(&masked).Elem(), secretFieldNames)

	switch format {
	case DumpYAML:
		var buf strings.Builder
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(&masked); err != nil {
			return nil, fmt.Errorf("failed to encode YAML: %w", err)
		}
		if err := encoder.Close(); err != nil {
			return nil, fmt.Errorf("failed to close YAML encoder: %w", err)
		}
		return []byte(buf.String()), nil
	case DumpJSON:
		return json.MarshalIndent(&masked, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported dump format: %s", format)
	}
}

func maskSecretsInStruct(v reflect.Value, fieldsToMask []string) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			fieldType := v.Type().Field(i)

			if !field.CanSet() {
				continue
			}

			fieldName := strings.ToLower(fieldType.Name)
			yamlTag := fieldType.Tag.Get("yaml")
			mapstructureTag := fieldType.Tag.Get("mapstructure")

			shouldMask := false
			for _, maskField := range fieldsToMask {
				if strings.Contains(fieldName, strings.ToLower(maskField)) ||
					strings.Contains(yamlTag, strings.ToLower(maskField)) ||
					strings.Contains(mapstructureTag, strings.ToLower(maskField)) {
					shouldMask = true
					break
				}
			}

			if shouldMask && field.Kind() == reflect.String && field.String() != "" {
				field.SetString("***MASKED***")
			} else {
				maskSecretsInStruct(field, fieldsToMask)
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			maskSecretsInStruct(v.Index(i), fieldsToMask)
		}
	case reflect.Ptr:
		if !v.IsNil() {
			maskSecretsInStruct(v.Elem(), fieldsToMask)
		}
	}
}
