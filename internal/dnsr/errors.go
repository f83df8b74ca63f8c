package dnsr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the failure category a caller should switch on
// to pick an rcode or exit path, instead of string-matching fmt.Errorf text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfigParse
	KindZoneExists
	KindZoneNotExist
	KindIO
	KindTsigFileExists
	KindTsigFileNotFound
	KindTsigKey
	KindCrypto
	KindBase64
	KindDomainName
	KindUtf8
	KindOctetShortBuffer
	KindPush
	KindNotify
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfigParse:      "config parse",
	KindZoneExists:       "zone exists",
	KindZoneNotExist:     "zone does not exist",
	KindIO:               "i/o",
	KindTsigFileExists:   "tsig file exists",
	KindTsigFileNotFound: "tsig file not found",
	KindTsigKey:          "tsig key",
	KindCrypto:           "crypto",
	KindBase64:           "base64",
	KindDomainName:       "domain name",
	KindUtf8:             "utf8",
	KindOctetShortBuffer: "short buffer",
	KindPush:             "push",
	KindNotify:           "notify",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the single tagged-sum error type used across the pipeline.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
