// Package retry classifies server and transport errors and decides
// whether an operation should be retried, redirected, or surfaced to
// the caller, per the error-classification table every driver shares.
package retry

import (
	"strings"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
)

// Class is the outcome of classifying one failed attempt.
type Class uint8

const (
	// ClassFatal surfaces the error to the caller immediately.
	ClassFatal Class = iota
	// ClassTransient retries with backoff, bounded by attempt limits.
	ClassTransient
	// ClassRedirect retries on a new target without backoff (MOVED/ASK).
	ClassRedirect
	// ClassApplication surfaces the error; it is not a transport fault.
	ClassApplication
)

// Decision is the result of classifying one Reply.
type Decision struct {
	Class Class
	// RefreshTopology is set for errors that imply the slot map or
	// master address is stale (MASTERDOWN, CLUSTERDOWN, READONLY).
	RefreshTopology bool
}

// classification of well-known RESP error codes. Codes absent from this
// table fall through to ClassApplication, per spec's "ERR with other
// text" row.
var codeClass = map[string]Decision{
	"LOADING":     {Class: ClassTransient},
	"MASTERDOWN":  {Class: ClassTransient, RefreshTopology: true},
	"CLUSTERDOWN": {Class: ClassTransient, RefreshTopology: true},
	"TRYAGAIN":    {Class: ClassTransient},
	"NOAUTH":      {Class: ClassFatal},
	"WRONGPASS":   {Class: ClassFatal},
	"READONLY":    {Class: ClassTransient, RefreshTopology: true},
	"MOVED":       {Class: ClassRedirect},
	"ASK":         {Class: ClassRedirect},
}

// Classify inspects a server error reply and returns how the caller
// should respond to it.
func Classify(v resp.Value) Decision {
	if !v.IsError() {
		return Decision{Class: ClassApplication}
	}
	code := v.ErrorCode()
	if d, ok := codeClass[code]; ok {
		return d
	}
	return Decision{Class: ClassApplication}
}

// ClassifyReply classifies a connio.Reply, folding transport failures
// (IoError) into ClassTransient so the same retry loop handles both
// network faults and server-reported transient errors.
func ClassifyReply(r connio.Reply) Decision {
	switch r.Kind {
	case connio.ReplyIoError:
		return Decision{Class: ClassTransient}
	case connio.ReplyCanceled:
		return Decision{Class: ClassFatal}
	case connio.ReplyServerError:
		return Classify(r.Value)
	default:
		return Decision{Class: ClassApplication}
	}
}

// Retriable reports whether flags (as set on the request) permit
// retrying at all, independent
// of error classification. Blocking commands are hardcoded
// non-retriable: resending a BLPOP after a reconnect could silently
// consume a second element the caller never asked for.
func Retriable(flags connio.Flags) bool {
	if flags.Blocking {
		return false
	}
	return flags.Retriable
}

// IsMovedError reports whether v is a cluster MOVED redirect and, if
// so, the target slot and endpoint it names.
func IsMovedError(v resp.Value) (slot int, endpoint string, ok bool) {
	return parseRedirect(v, "MOVED")
}

// IsAskError reports whether v is a cluster ASK redirect.
func IsAskError(v resp.Value) (slot int, endpoint string, ok bool) {
	return parseRedirect(v, "ASK")
}

func parseRedirect(v resp.Value, want string) (int, string, bool) {
	if !v.IsError() {
		return 0, "", false
	}
	fields := strings.Fields(string(v.Str))
	if len(fields) != 3 || fields[0] != want {
		return 0, "", false
	}
	slot := 0
	for _, c := range fields[1] {
		if c < '0' || c > '9' {
			return 0, "", false
		}
		slot = slot*10 + int(c-'0')
	}
	return slot, fields[2], true
}
