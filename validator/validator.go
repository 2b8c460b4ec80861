package validator

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ErrNotStruct is returned when the validated value is not a struct
var ErrNotStruct = errors.New("validator: data must be a struct")

// Validator validates a value
type Validator interface {
	// Validate returns nil when data is acceptable
	Validate(data interface{}) error
}

// RequiredValidator checks that string fields are not empty
type RequiredValidator struct {
	Fields []string
}

// Validate implements Validator
func (rv *RequiredValidator) Validate(data interface{}) error {
	v, err := structValue(data)
	if err != nil {
		return err
	}

	for _, name := range rv.Fields {
		s, err := stringField(v, name)
		if err != nil {
			return err
		}
		if s == "" {
			return fmt.Errorf("field %s is empty", name)
		}
	}
	return nil
}

// TimestampValidator checks that a string field parses with Layout
type TimestampValidator struct {
	Field  string
	Layout string
}

// Validate implements Validator
func (tv *TimestampValidator) Validate(data interface{}) error {
	v, err := structValue(data)
	if err != nil {
		return err
	}

	s, err := stringField(v, tv.Field)
	if err != nil {
		return err
	}

	layout := tv.Layout
	if layout == "" {
		layout = time.RFC3339Nano
	}
	if _, err := time.Parse(layout, s); err != nil {
		return fmt.Errorf("field %s value %q is not a valid timestamp: %w", tv.Field, s, err)
	}
	return nil
}

// Chain runs validators in order and returns the first error
type Chain []Validator

// Validate implements Validator
func (c Chain) Validate(data interface{}) error {
	for _, v := range c {
		if err := v.Validate(data); err != nil {
			return err
		}
	}
	return nil
}

func structValue(data interface{}) (reflect.Value, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, ErrNotStruct
	}
	return v, nil
}

func stringField(v reflect.Value, name string) (string, error) {
	field := v.FieldByName(name)
	if !field.IsValid() {
		return "", fmt.Errorf("field %s does not exist", name)
	}
	if field.Kind() != reflect.String {
		return "", fmt.Errorf("field %s is not a string", name)
	}
	return field.String(), nil
}
