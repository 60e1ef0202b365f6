package spawn

import (
	"errors"
	"fmt"
	"strings"
)

// Виды ошибок подсистемы. Проверяются через errors.Is.
var (
	// ErrConfiguration неверный шаблон, повторная регистрация, сбой конструирования
	ErrConfiguration = errors.New("configuration error")
	// ErrAuthority выдача идентичности не-authority участником
	ErrAuthority = errors.New("authority error")
	// ErrInvariant нарушение контракта вызывающей стороной
	ErrInvariant = errors.New("invariant violation")
)

// Error ошибка операции с контекстом (ключ шаблона, view id).
type Error struct {
	Kind   error
	Op     string
	Key    EntityTypeKey
	ViewID ViewID
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("spawn: ")
	b.WriteString(e.Op)
	if e.Key != "" {
		fmt.Fprintf(&b, " %q", string(e.Key))
	}
	if e.ViewID != UnassignedViewID {
		fmt.Fprintf(&b, " view=%d", e.ViewID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap позволяет errors.Is находить и вид ошибки, и причину
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func configError(op string, key EntityTypeKey, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrConfiguration, Op: op, Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
}

func invariantError(op string, key EntityTypeKey, id ViewID, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrInvariant, Op: op, Key: key, ViewID: id, Msg: fmt.Sprintf(format, args...)}
}

func authorityError(op string, format string, args ...interface{}) *Error {
	return &Error{Kind: ErrAuthority, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ErrorKind возвращает метку вида ошибки для метрик и логов
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAuthority):
		return "authority"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "other"
	}
}
