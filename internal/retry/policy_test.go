package retry

import (
	"testing"

	"github.com/xenking/rdx/internal/connio"
	"github.com/xenking/rdx/internal/resp"
)

func TestClassifyKnownCodes(t *testing.T) {
	cases := []struct {
		err   string
		class Class
	}{
		{"LOADING Redis is loading the dataset in memory", ClassTransient},
		{"MASTERDOWN Link with MASTER is down", ClassTransient},
		{"CLUSTERDOWN The cluster is down", ClassTransient},
		{"TRYAGAIN Multiple keys request during rehashing", ClassTransient},
		{"NOAUTH Authentication required", ClassFatal},
		{"WRONGPASS invalid username-password pair", ClassFatal},
		{"READONLY You can't write against a read only replica", ClassTransient},
		{"MOVED 42 127.0.0.1:7001", ClassRedirect},
		{"ASK 42 127.0.0.1:7002", ClassRedirect},
		{"WRONGTYPE Operation against a key holding the wrong kind of value", ClassApplication},
	}
	for _, c := range cases {
		d := Classify(resp.SimpleErr(c.err))
		if d.Class != c.class {
			t.Errorf("Classify(%q) = %v, want %v", c.err, d.Class, c.class)
		}
	}
}

func TestClassifyNonError(t *testing.T) {
	d := Classify(resp.Simple("OK"))
	if d.Class != ClassApplication {
		t.Fatalf("expected non-error to classify as Application, got %v", d.Class)
	}
}

func TestClassifyReplyIoError(t *testing.T) {
	d := ClassifyReply(connio.Reply{Kind: connio.ReplyIoError})
	if d.Class != ClassTransient {
		t.Fatalf("expected IoError to be transient, got %v", d.Class)
	}
}

func TestRetriableBlockingOverride(t *testing.T) {
	if Retriable(connio.Flags{Retriable: true, Blocking: true}) {
		t.Fatal("blocking commands must never be retriable")
	}
	if !Retriable(connio.Flags{Retriable: true}) {
		t.Fatal("expected retriable non-blocking command to be retriable")
	}
}

func TestParseMovedAndAsk(t *testing.T) {
	slot, endpoint, ok := IsMovedError(resp.SimpleErr("MOVED 42 127.0.0.1:7001"))
	if !ok || slot != 42 || endpoint != "127.0.0.1:7001" {
		t.Fatalf("IsMovedError: got (%d, %q, %v)", slot, endpoint, ok)
	}
	if _, _, ok := IsMovedError(resp.SimpleErr("ASK 42 127.0.0.1:7001")); ok {
		t.Fatal("IsMovedError matched an ASK redirect")
	}
	slot, endpoint, ok = IsAskError(resp.SimpleErr("ASK 7 10.0.0.5:6380"))
	if !ok || slot != 7 || endpoint != "10.0.0.5:6380" {
		t.Fatalf("IsAskError: got (%d, %q, %v)", slot, endpoint, ok)
	}
}
