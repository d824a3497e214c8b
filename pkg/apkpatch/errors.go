package apkpatch

import (
	"errors"
	"fmt"

	crerrors "github.com/cockroachdb/errors"
)

// Kind classifies a failed operation.
type Kind int

// KindNone marks success. The rest are the failure kinds reported by
// every operation.
const (
	KindNone Kind = iota
	NotFound
	IOFailure
	RewriteFailure
	NoSupportedVersion
	SigningFailure
	InstallUnavailable
)

var kindNames = map[Kind]string{
	KindNone:           "",
	NotFound:           "not-found",
	IOFailure:          "io-failure",
	RewriteFailure:     "rewrite-failure",
	NoSupportedVersion: "no-supported-version",
	SigningFailure:     "signing-failure",
	InstallUnavailable: "install-unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Action is a machine-actionable remedy attached to a failure.
type Action int

// ActionFetchCompatibilityData asks the user to update the catalog.
const (
	ActionNone Action = iota
	ActionFetchCompatibilityData
)

func (a Action) String() string {
	if a == ActionFetchCompatibilityData {
		return "fetch-compatibility-data"
	}
	return ""
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "":
		*a = ActionNone
	case "fetch-compatibility-data":
		*a = ActionFetchCompatibilityData
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// Sentinel errors, matched with errors.Is against any *Error of the
// corresponding kind.
var (
	ErrNotFound           = errors.New("no installed source package found")
	ErrNoSupportedVersion = errors.New("no compatibility definition supports this version")
	ErrInstallUnavailable = errors.New("no installer available")
)

const fetchHint = "fetch updated compatibility data and retry"

// Error is the failure returned by every Patcher operation. Message is the
// display text; Err keeps the underlying cause.
type Error struct {
	Kind    Kind
	Action  Action
	Message string
	Err     error
}

func newError(kind Kind, message string, err error) *Error {
	e := &Error{Kind: kind, Message: message, Err: err}
	if kind == NoSupportedVersion {
		e.Action = ActionFetchCompatibilityData
		if e.Err == nil {
			e.Err = ErrNoSupportedVersion
		}
		e.Err = crerrors.WithHint(e.Err, fetchHint)
	}
	return e
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrNoSupportedVersion:
		return e.Kind == NoSupportedVersion
	case ErrInstallUnavailable:
		return e.Kind == InstallUnavailable
	}
	return false
}

// Hint returns the suggested corrective action text, if any.
func (e *Error) Hint() string {
	return crerrors.FlattenHints(e.Err)
}

// KindOf returns the Kind of err, or KindNone when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
