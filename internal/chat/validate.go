package chat

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Bounds enforced by the validate tags on SendRequest and
// CreateConversationRequest.
const (
	MaxContentLength = 50000
	MaxTitleLength   = 200
	// TitleBudget is the number of characters kept when deriving a title.
	TitleBudget   = 40
	titleEllipsis = "..."
)

// ValidationError reports malformed client input.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SendRequest is the body of a send-message call.
type SendRequest struct {
	Content string `json:"content" validate:"min=1,max=50000"`
}

// CreateConversationRequest is the body of a create-conversation call. A nil
// Title selects DefaultTitle.
type CreateConversationRequest struct {
	Title *string `json:"title" validate:"omitnil,min=1,max=200"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the validate tags of a request struct and reports every
// failing field by its JSON name. It returns nil when v is valid.
func Validate(v any) []*ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []*ValidationError{{Field: "body", Message: err.Error()}}
	}
	out := make([]*ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, &ValidationError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
		if fe.Param() == "1" {
			unit = " character"
		}
	}
	switch fe.Tag() {
	case "required":
		return "required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must contain at least " + fe.Param() + unit
	case "max":
		return "must contain at most " + fe.Param() + unit
	}
	return "failed the " + fe.Tag() + " check"
}

// ValidateContent checks a user message body.
func ValidateContent(content string) error {
	if errs := Validate(SendRequest{Content: content}); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// NormalizeTitle validates an optional title and substitutes DefaultTitle when absent.
func NormalizeTitle(title *string) (string, error) {
	if errs := Validate(CreateConversationRequest{Title: title}); len(errs) > 0 {
		return "", errs[0]
	}
	if title == nil {
		return DefaultTitle, nil
	}
	return *title, nil
}

// DeriveTitle shortens the first user message into a conversation title.
func DeriveTitle(content string) string {
	if utf8.RuneCountInString(content) <= TitleBudget {
		return content
	}
	runes := []rune(content)
	return string(runes[:TitleBudget]) + titleEllipsis
}

// IsFirstExchange reports whether history, loaded right after persisting the
// user message, holds only that message.
func IsFirstExchange(history []Message) bool {
	return len(history) == 1
}
