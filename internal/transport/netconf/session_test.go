package netconf

import (
	"errors"
	"os"
	"testing"

	"github.com/scrapli/scrapligo/response"
	"github.com/scrapli/scrapligo/util"

	"github.com/jkaninda/olav/internal/domain"
	"github.com/jkaninda/olav/internal/transport"
)

func TestEditConfigPayload(t *testing.T) {
	got := editConfigPayload("", "<system/>")
	want := `<config xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><system/></config>`
	if got != want {
		t.Errorf("plain edit:\n got %s\nwant %s", got, want)
	}
	got = editConfigPayload(defaultOperation(domain.NetconfReplace), "<x/>")
	want = `<default-operation>replace</default-operation><config xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"><x/></config>`
	if got != want {
		t.Errorf("replace edit:\n got %s\nwant %s", got, want)
	}
}

func TestDefaultOperation(t *testing.T) {
	tests := map[domain.NetconfOperation]string{
		domain.NetconfSet:        "merge",
		domain.NetconfDelete:     "none",
		domain.NetconfReplace:    "replace",
		domain.NetconfEditConfig: "",
	}
	for op, want := range tests {
		if got := defaultOperation(op); got != want {
			t.Errorf("defaultOperation(%s) = %q, want %q", op, got, want)
		}
	}
}

func TestCheckReply(t *testing.T) {
	t.Run("data with warning", func(t *testing.T) {
		resp := &response.NetconfResponse{Result: `<rpc-reply message-id="101">` +
			`<rpc-error><error-severity>warning</error-severity><error-message>stale</error-message></rpc-error>` +
			`<data><a>1</a></data></rpc-reply>`}
		reply, _, err := checkReply("get", resp)
		if err != nil {
			t.Fatalf("checkReply: %v", err)
		}
		if reply.data() != "<a>1</a>" {
			t.Errorf("data = %q", reply.data())
		}
	})

	t.Run("rpc error", func(t *testing.T) {
		resp := &response.NetconfResponse{Result: `<rpc-reply message-id="102"><rpc-error>` +
			`<error-type>protocol</error-type><error-tag>lock-denied</error-tag>` +
			`<error-severity>error</error-severity></rpc-error></rpc-reply>`}
		_, _, err := checkReply("edit-config", resp)
		var te *transport.Error
		if !errors.As(err, &te) || te.Kind != transport.KindProtocol {
			t.Fatalf("err = %v", err)
		}
		if len(te.RPCErrors) != 1 || te.RPCErrors[0].Tag != "lock-denied" {
			t.Errorf("rpc errors = %+v", te.RPCErrors)
		}
		if te.Err.Error() != "lock-denied" {
			t.Errorf("message falls back to the tag, got %q", te.Err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, _, err := checkReply("get", &response.NetconfResponse{Result: "<rpc-reply>"})
		if transport.Classify(err) != transport.KindProtocol {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("unparsed frame", func(t *testing.T) {
		resp := &response.NetconfResponse{RawResult: []byte("#x"), Failed: errors.New("bad chunk")}
		_, _, err := checkReply("get", resp)
		if transport.Classify(err) != transport.KindProtocol || transport.OutputOf(err) != "#x" {
			t.Errorf("err = %v", err)
		}
	})
}

func TestAsDeadline(t *testing.T) {
	err := asDeadline(util.ErrTimeoutError)
	if !errors.Is(err, os.ErrDeadlineExceeded) || !errors.Is(err, util.ErrTimeoutError) {
		t.Fatalf("err = %v", err)
	}
	if transport.Classify(err) != transport.KindTimeout {
		t.Errorf("kind = %s", transport.Classify(err))
	}
	other := errors.New("boom")
	if asDeadline(other) != other {
		t.Error("other errors pass through")
	}
}

func TestSession_HasCapability(t *testing.T) {
	s := &session{caps: []string{CapBase10, " " + CapCandidate + " ", CapXPath + "?module=x"}}
	for _, c := range []string{CapBase10, CapCandidate, CapXPath} {
		if !s.HasCapability(c) {
			t.Errorf("missing %s", c)
		}
	}
	if s.HasCapability(CapBase11) {
		t.Error("base:1.1 not advertised")
	}
}
