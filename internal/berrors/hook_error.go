package berrors

import "fmt"

// HookError attributes an error raised inside a hook tap to the hook it came
// from. An error that is already a BuildError or HookError is never wrapped a
// second time.
type HookError struct {
	Hook    string
	Tap     string
	Inner   error
	message string
}

// Error implements the error interface.
func (e *HookError) Error() string {
	return e.message
}

// Unwrap returns the original error.
func (e *HookError) Unwrap() error {
	return e.Inner
}

// WrapHook normalizes an error raised inside a hook tap. Already-classified
// errors (BuildError, HookError) pass through unchanged; anything else is
// wrapped exactly once, recording the hook and tap names.
func WrapHook(err error, hook, tap string) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *BuildError, *HookError:
		return err
	}
	return &HookError{
		Hook:    hook,
		Tap:     tap,
		Inner:   err,
		message: fmt.Sprintf("%s (from %s tap in %s hook)", err.Error(), tap, hook),
	}
}

// ConcurrentCompilationError is returned when Run or Watch is called on a
// compiler that already has a build in flight.
type ConcurrentCompilationError struct{}

func (e *ConcurrentCompilationError) Error() string {
	return "you ran the compiler twice: each compiler supports only one concurrent compilation"
}

// IsConcurrentCompilation reports whether err is a ConcurrentCompilationError.
func IsConcurrentCompilation(err error) bool {
	_, ok := err.(*ConcurrentCompilationError)
	return ok
}
