package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// MaxRequestBodyBytes bounds JSON request bodies. Patches are small.
const MaxRequestBodyBytes = 1 << 20

var validate = validator.New()

// Validatable lets a request type replace struct-tag validation.
type Validatable interface {
	Validate() error
}

// DecodeJSON decodes exactly one JSON value from the request body into v.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("request body must contain a single JSON value")
	}
	return nil
}

// ValidateRequest runs v's own Validate method when it has one, and the
// struct tags otherwise.
func ValidateRequest(v any) error {
	if vv, ok := v.(Validatable); ok {
		return vv.Validate()
	}
	return validate.Struct(v)
}
