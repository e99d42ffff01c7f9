// Package forms declares, per form type, the payload shape and its validation rules.
package forms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

// FieldError describes one failed rule, addressed by JSON path.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

type definition struct {
	formType models.FormType
	service  string
	newFn    func() Payload
}

// Registry validates and describes the payloads of all supported form types.
type Registry struct {
	validate *validator.Validate
	defs     map[models.FormType]definition
	order    []models.FormType
	schemas  map[models.FormType]Schema
}

// NewRegistry builds the registry of the seven portal form types.
func NewRegistry(validate *validator.Validate) *Registry {
	if validate == nil {
		validate = validator.New()
	}
	validate.RegisterTagNameFunc(jsonFieldName)

	r := &Registry{
		validate: validate,
		defs:     make(map[models.FormType]definition),
		schemas:  make(map[models.FormType]Schema),
	}
	r.register(models.FormTypeCompany, "Company Formation", func() Payload { return &CompanyForm{} })
	r.register(models.FormTypeTax, "Tax Filing", func() Payload { return &TaxForm{} })
	r.register(models.FormTypeOtherRegistration, "Other Registration", func() Payload { return &OtherRegistrationForm{} })
	r.register(models.FormTypeROC, "ROC Returns", func() Payload { return &ROCForm{} })
	r.register(models.FormTypeReports, "Reports", func() Payload { return &ReportsForm{} })
	r.register(models.FormTypeTrademarkISO, "Trademark & ISO", func() Payload { return &TrademarkISOForm{} })
	r.register(models.FormTypeAdvisory, "Advisory", func() Payload { return &AdvisoryForm{} })
	return r
}

func (r *Registry) register(formType models.FormType, service string, newFn func() Payload) {
	def := definition{formType: formType, service: service, newFn: newFn}
	r.defs[formType] = def
	r.order = append(r.order, formType)
	r.schemas[formType] = buildSchema(def)
}

// FormTypes lists the registered tags in registration order.
func (r *Registry) FormTypes() []models.FormType {
	out := make([]models.FormType, len(r.order))
	copy(out, r.order)
	return out
}

// ServiceFor returns the service label stamped on submissions of the form type.
func (r *Registry) ServiceFor(formType models.FormType) (string, error) {
	def, err := r.lookup(formType)
	if err != nil {
		return "", err
	}
	return def.service, nil
}

// Describe returns the schema of a form type.
func (r *Registry) Describe(formType models.FormType) (Schema, error) {
	if _, err := r.lookup(formType); err != nil {
		return Schema{}, err
	}
	return r.schemas[formType], nil
}

// Validate strictly decodes raw into the form's payload struct and runs its rules.
// On success it returns raw compacted, which is what gets persisted.
func (r *Registry) Validate(formType models.FormType, raw json.RawMessage) (json.RawMessage, error) {
	payload, err := r.decode(formType, raw)
	if err != nil {
		return nil, err
	}
	if err := r.validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, appErrors.WithDetails(appErrors.ErrValidation, fmt.Sprintf("invalid %s payload", formType), fieldErrors(verrs))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Decode returns the typed payload of a stored submission. Stored payloads are not
// re-validated; only the shape is checked.
func (r *Registry) Decode(formType models.FormType, raw json.RawMessage) (Payload, error) {
	return r.decode(formType, raw)
}

func (r *Registry) decode(formType models.FormType, raw json.RawMessage) (Payload, error) {
	def, err := r.lookup(formType)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "payload is required", []FieldError{{Field: "payload", Rule: "required"}})
	}

	payload := def.newFn()
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, decodeMessage(formType, err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "payload must be a single JSON object")
	}
	return payload, nil
}

func (r *Registry) lookup(formType models.FormType) (definition, error) {
	def, ok := r.defs[formType]
	if !ok {
		return definition{}, appErrors.Clone(appErrors.ErrUnknownFormType, fmt.Sprintf("unknown form type %q", formType))
	}
	return def, nil
}

func decodeMessage(formType models.FormType, err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr):
		return fmt.Sprintf("invalid %s payload: field %s must be %s", formType, typeErr.Field, typeErr.Type)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return fmt.Sprintf("invalid %s payload: %s", formType, strings.TrimPrefix(err.Error(), "json: "))
	default:
		return fmt.Sprintf("invalid %s payload", formType)
	}
}

func fieldErrors(verrs validator.ValidationErrors) []FieldError {
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		out = append(out, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
