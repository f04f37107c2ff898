package errors

import "errors"

// With returns an error that represents top wrapped on top of the base error. errors.Is
// and errors.As match top first and fall back to base.
func With(base, top error) error {
	if top == nil {
		return base
	}
	if base == nil {
		return top
	}
	return union{error: base, top: top}
}

type union struct {
	error
	top error
}

func (u union) Error() string {
	return u.top.Error() + ": " + u.error.Error()
}

func (u union) Is(target error) bool {
	return errors.Is(u.top, target)
}

func (u union) As(target any) bool {
	return errors.As(u.top, target)
}

func (u union) Unwrap() error {
	return u.error
}
