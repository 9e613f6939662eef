package models

import (
	"errors"
	"fmt"
)

// Kind classifies every failure this subsystem can return. Faults cross
// package boundaries as structured values, never as opaque panics.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindConflict            Kind = "CONFLICT"
	KindStockOrPriceChanged Kind = "STOCK_OR_PRICE_CHANGED"
	KindVerificationFailed  Kind = "VERIFICATION_FAILED"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindSessionClosed       Kind = "SESSION_EXPIRED_OR_COMMITTED"
	KindInfrastructure      Kind = "INFRASTRUCTURE"
)

type LineFailureReason string

const (
	LineUnavailable       LineFailureReason = "UNAVAILABLE"
	LineOutOfStock        LineFailureReason = "OUT_OF_STOCK"
	LineInsufficientStock LineFailureReason = "INSUFFICIENT_STOCK"
	LinePriceChanged      LineFailureReason = "PRICE_CHANGED"
)

// LineFailure describes why one cart line failed validation, so the UI
// can prompt the user to adjust instead of showing a generic error.
type LineFailure struct {
	ProductID     string            `json:"productId"`
	Reason        LineFailureReason `json:"reason"`
	Requested     int               `json:"requested,omitempty"`
	Available     int               `json:"available,omitempty"`
	PriceSnapshot int64             `json:"priceSnapshot,omitempty"`
	CurrentPrice  int64             `json:"currentPrice,omitempty"`
}

// Fault is the structured error returned across subsystem boundaries.
// CurrentVersion is set on CONFLICT so the caller can re-read and retry;
// Lines is set on STOCK_OR_PRICE_CHANGED and on soft-check rejections.
type Fault struct {
	Kind           Kind          `json:"kind"`
	Message        string        `json:"message"`
	CurrentVersion int64         `json:"currentVersion,omitempty"`
	Lines          []LineFailure `json:"lines,omitempty"`
	Err            error         `json:"-"`
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func Validationf(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(currentVersion int64, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindConflict, CurrentVersion: currentVersion, Message: fmt.Sprintf(format, args...)}
}

func SessionClosedf(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindSessionClosed, Message: fmt.Sprintf(format, args...)}
}

func VerificationFailedf(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindVerificationFailed, Message: fmt.Sprintf(format, args...)}
}

func RateLimitedf(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindRateLimited, Message: fmt.Sprintf(format, args...)}
}

func StockOrPriceChanged(lines []LineFailure) *Fault {
	return &Fault{
		Kind:    KindStockOrPriceChanged,
		Message: "one or more lines failed commit-time validation",
		Lines:   lines,
	}
}

func Infra(err error, msg string) *Fault {
	return &Fault{Kind: KindInfrastructure, Message: msg, Err: err}
}

// KindOf extracts the fault kind from an error chain; anything that is
// not a Fault is treated as infrastructure.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInfrastructure
}

// AsFault unwraps err to a Fault, wrapping unknown errors as
// infrastructure faults so callers always see the structured form.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Infra(err, "internal error")
}
