package bitacora

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/locales/es"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// EntryInput is an entry as typed by a user, before dates are parsed.
type EntryInput struct {
	Plan            string            `json:"plan" validate:"required"`
	CommitmentDate  string            `json:"commitmentDate" validate:"required,year4,isodate"`
	RealizationDate string            `json:"realizationDate" validate:"required,year4,isodate"`
	Attachment      *types.Attachment `json:"-"`
}

var (
	yearPrefix  = regexp.MustCompile(`^(\d+)-`)
	dateLayouts = []string{"2006-01-02", "2006-01-02T15:04", "2006-01-02T15:04:05", time.RFC3339}

	errYearDigits = errors.New("year must have four digits")
	errBadDate    = errors.New("unrecognized date")
)

// ParseDate accepts a calendar date with an optional time part. Years with
// fewer or more than four digits are rejected.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	m := yearPrefix.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, errBadDate
	}
	if len(m[1]) != 4 {
		return time.Time{}, errYearDigits
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, errBadDate
}

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	locale := es.New()
	uni := ut.New(locale, locale)
	translator, _ = uni.GetTranslator("es")

	validate = validator.New()

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("year4", func(fl validator.FieldLevel) bool {
		_, err := ParseDate(fl.Field().String())
		return !errors.Is(err, errYearDigits)
	})
	_ = validate.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := ParseDate(fl.Field().String())
		return err == nil
	})

	registerTranslation("required", "este campo es obligatorio")
	registerTranslation("year4", "el año debe tener 4 dígitos")
	registerTranslation("isodate", "la fecha no es válida")
}

func registerTranslation(tag, text string) {
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// Validate checks an entry and returns it with its dates parsed. Every problem
// is reported on the field it belongs to.
func Validate(in EntryInput) (types.BitacoraEntry, error) {
	in.Plan = strings.TrimSpace(in.Plan)

	fields := []types.FieldError{}

	err := validate.Struct(in)
	if err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return types.BitacoraEntry{}, fmt.Errorf("could not validate entry: %w", err)
		}
		for _, fe := range verrs {
			fields = append(fields, types.FieldError{Field: fe.Field(), Message: fe.Translate(translator)})
		}
	}

	if a := in.Attachment; a != nil {
		switch {
		case a.Size() == 0:
			fields = append(fields, types.FieldError{Field: "attachment", Message: "el archivo está vacío"})
		case a.Size() > types.MaxAttachmentSize:
			fields = append(fields, types.FieldError{Field: "attachment", Message: "el archivo no puede superar 5MB"})
		}
	}

	if len(fields) > 0 {
		return types.BitacoraEntry{}, &types.ValidationError{Message: "La entrada de bitácora tiene errores", Fields: fields}
	}

	commitment, _ := ParseDate(in.CommitmentDate)
	realization, _ := ParseDate(in.RealizationDate)

	return types.BitacoraEntry{
		Plan:            in.Plan,
		CommitmentDate:  commitment,
		RealizationDate: &realization,
		Attachment:      in.Attachment,
	}, nil
}
