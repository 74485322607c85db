package client

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/Mindburn-Labs/beacon/pkg/event"
)

const (
	maxErrorDepth = 10
	maxFrames     = 100
	sdkPrefix     = "github.com/Mindburn-Labs/beacon/pkg/"
)

// captureStacktrace records the calling goroutine's stack, oldest call
// first, without frames of the SDK itself.
func captureStacktrace(skip int) *event.Stacktrace {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	var frames []event.Frame
	it := runtime.CallersFrames(pcs[:n])
	for {
		f, more := it.Next()
		if f.Function != "" && !isSDKFrame(f.Function) {
			frames = append(frames, newFrame(f))
		}
		if !more {
			break
		}
	}
	if len(frames) == 0 {
		return nil
	}
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return &event.Stacktrace{Frames: frames}
}

func isSDKFrame(function string) bool {
	return strings.HasPrefix(function, sdkPrefix) && !strings.Contains(function, "_test.")
}

func newFrame(f runtime.Frame) event.Frame {
	module, function := splitFunction(f.Function)
	return event.Frame{
		Function: function,
		Module:   module,
		Filename: fileBase(f.File),
		AbsPath:  f.File,
		Lineno:   f.Line,
		InApp:    isInApp(module),
	}
}

// splitFunction turns "example.com/a/b.(*T).M" into ("example.com/a/b", "(*T).M").
func splitFunction(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

func fileBase(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// isInApp treats the standard library and the runtime as library code:
// their import paths have no dot in the first element.
func isInApp(module string) bool {
	if module == "" || module == "main" {
		return true
	}
	first, _, _ := strings.Cut(module, "/")
	return strings.Contains(first, ".")
}

// exceptionsFromError unwraps err into exception values, innermost cause
// first. The outermost error carries the stack trace.
func exceptionsFromError(err error, stack *event.Stacktrace, mechanism *event.Mechanism) []event.Exception {
	var chain []event.Exception
	for i := 0; err != nil && i < maxErrorDepth; i++ {
		chain = append(chain, event.Exception{
			Type:  errorType(err),
			Value: err.Error(),
		})
		err = errors.Unwrap(err)
	}
	if len(chain) == 0 {
		return nil
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	outer := &chain[len(chain)-1]
	outer.Stacktrace = stack
	outer.Mechanism = mechanism
	return chain
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	return t.String()
}

// exceptionFromPanic describes a recovered value that is not an error.
func exceptionFromPanic(recovered any, stack *event.Stacktrace) event.Exception {
	handled := false
	return event.Exception{
		Type:       "panic",
		Value:      fmt.Sprint(recovered),
		Stacktrace: stack,
		Mechanism:  &event.Mechanism{Type: "panic", Handled: &handled},
	}
}
