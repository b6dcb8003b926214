// Package fault classifies monitor failures into retryable and fatal kinds.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"restock_monitor/internal/model"
)

type Kind string

const (
	KindTransientChannel  Kind = "transient_channel"
	KindProtectionBlocked Kind = "protection_blocked"
	KindElementNotFound   Kind = "element_not_found"
	KindUnexpectedState   Kind = "unexpected_state"
	KindVolumeLimited     Kind = "volume_limited"
	KindAuthRejected      Kind = "authentication_rejected"
	KindInsufficientStock Kind = "insufficient_stock"
	KindConfiguration     Kind = "configuration"
)

type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Err      error
	Artifact *model.Artifact
}

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) WithArtifact(a *model.Artifact) *Error {
	e.Artifact = a
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" (" + e.Op + ")")
	}
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// InsufficientStockError 数量加不上去：加号按钮在达到目标数量前就被禁用了。
type InsufficientStockError struct {
	Op        string
	Requested int
	Reached   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: requested %d, reached %d (short by %d)", KindInsufficientStock, e.Requested, e.Reached, e.Shortfall())
}

func (e *InsufficientStockError) Shortfall() int {
	if e.Requested <= e.Reached {
		return 0
	}
	return e.Requested - e.Reached
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var stock *InsufficientStockError
	if errors.As(err, &stock) {
		return KindInsufficientStock
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Canceled reports whether err comes from context cancellation; such errors stop the loop and are never retried.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func Retryable(err error) bool {
	if err == nil || Canceled(err) {
		return false
	}
	switch KindOf(err) {
	case KindTransientChannel, KindProtectionBlocked, KindElementNotFound, KindUnexpectedState, KindVolumeLimited:
		return true
	case "":
		// 未分类的错误多半来自网络/浏览器底层，按瞬时错误处理
		return true
	default:
		return false
	}
}

// Permanent errors disable the task for the rest of the run.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindAuthRejected, KindConfiguration:
		return true
	default:
		return false
	}
}

func ArtifactOf(err error) *model.Artifact {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Artifact
	}
	return nil
}
