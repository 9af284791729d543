package bridge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chatbus/internal/apiclient"
	"chatbus/internal/buserr"
	"chatbus/internal/model"
	"chatbus/internal/zephyr"
)

var athena = Addressing{Realm: "ATHENA.MIT.EDU", Domain: "mit.edu"}

func TestInboundMapping(t *testing.T) {
	at := time.Unix(1700000000, 0)
	cases := []struct {
		name    string
		n       zephyr.Notice
		typ     string
		to      string
		subject string
		content string
	}{
		{
			name: "class maps to stream",
			n:    zephyr.Notice{Class: "Help", Instance: "printer", Sender: "tabbott@ATHENA.MIT.EDU", Body: "jammed"},
			typ:  "stream", to: "help", subject: "printer", content: "jammed",
		},
		{
			name: "class message instance maps to stream",
			n:    zephyr.Notice{Class: "message", Instance: "SIPB", Sender: "tabbott", Body: "hi"},
			typ:  "stream", to: "sipb", subject: "instance SIPB", content: "hi",
		},
		{
			name: "class message without instance",
			n:    zephyr.Notice{Class: "MESSAGE", Instance: "*", Sender: "tabbott", Body: "hi"},
			typ:  "stream", to: "personal", subject: "instance personal", content: "hi",
		},
		{
			name: "personal",
			n:    zephyr.Notice{Class: "message", Instance: "personal", Recipient: "starnine@ATHENA.MIT.EDU", Sender: "tabbott", Body: "psst"},
			typ:  "personal", to: "starnine@mit.edu", content: "psst",
		},
		{
			name: "personal with cc line",
			n: zephyr.Notice{Class: "message", Instance: "personal", Recipient: "starnine@ATHENA.MIT.EDU", Sender: "tabbott",
				Body: "CC: starnine tabbott Jesse\nall of us"},
			typ: "personal", to: "starnine@mit.edu,tabbott@mit.edu,jesse@mit.edu", content: "all of us",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.n.Time = at
			req, err := athena.Inbound(tc.n)
			if err != nil {
				t.Fatalf("Inbound: %v", err)
			}
			if req.Type != tc.typ || req.To != tc.to || req.Subject != tc.subject || req.Content != tc.content {
				t.Fatalf("got %+v", req)
			}
			if !req.Forged || req.Client != MirrorClient || !req.Time.Equal(at) {
				t.Fatalf("forged fields: %+v", req)
			}
			if !strings.HasSuffix(req.Sender, "@mit.edu") {
				t.Fatalf("sender = %q", req.Sender)
			}
		})
	}
}

func TestInboundRejects(t *testing.T) {
	if _, err := athena.Inbound(zephyr.Notice{Class: "help", Body: "x"}); !buserr.IsValidation(err) {
		t.Fatalf("no sender: %v", err)
	}
	_, err := athena.Inbound(zephyr.Notice{Class: "help", Recipient: "starnine", Sender: "tabbott"})
	if !buserr.IsValidation(err) {
		t.Fatalf("personal on non-message class: %v", err)
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestOutboundMapping(t *testing.T) {
	stream := apiclient.Message{ID: 1, Type: "stream", SenderEmail: "starnine@mit.edu", Subject: "printer", Content: "fixed",
		DisplayRecipient: rawJSON(t, "help")}
	ns, err := athena.Outbound(stream)
	if err != nil || len(ns) != 1 {
		t.Fatalf("stream: %v %v", ns, err)
	}
	if ns[0].Class != "help" || ns[0].Instance != "printer" || ns[0].Recipient != "" || ns[0].Body != "fixed" {
		t.Fatalf("stream notice = %+v", ns[0])
	}

	// The inbound class=message mapping round-trips.
	back := stream
	back.DisplayRecipient = rawJSON(t, "sipb")
	back.Subject = "instance SIPB"
	ns, _ = athena.Outbound(back)
	if ns[0].Class != "message" || ns[0].Instance != "SIPB" {
		t.Fatalf("class message round-trip = %+v", ns[0])
	}

	personal := apiclient.Message{ID: 2, Type: "personal", SenderEmail: "starnine@mit.edu", Content: "psst",
		DisplayRecipient: rawJSON(t, []model.DisplayUser{{Email: "starnine@mit.edu"}, {Email: "tabbott@mit.edu"}})}
	ns, err = athena.Outbound(personal)
	if err != nil || len(ns) != 1 {
		t.Fatalf("personal: %v %v", ns, err)
	}
	if ns[0].Recipient != "tabbott@ATHENA.MIT.EDU" || ns[0].Body != "psst" || ns[0].Class != "message" {
		t.Fatalf("personal notice = %+v", ns[0])
	}

	group := apiclient.Message{ID: 3, Type: "huddle", SenderEmail: "starnine@mit.edu", Content: "all",
		DisplayRecipient: rawJSON(t, []model.DisplayUser{{Email: "starnine@mit.edu"}, {Email: "tabbott@mit.edu"}, {Email: "jesse@mit.edu"}})}
	ns, err = athena.Outbound(group)
	if err != nil || len(ns) != 2 {
		t.Fatalf("group: %v %v", ns, err)
	}
	for _, n := range ns {
		if n.Body != "CC: tabbott jesse\nall" {
			t.Fatalf("group body = %q", n.Body)
		}
	}

	outsider := personal
	outsider.DisplayRecipient = rawJSON(t, []model.DisplayUser{{Email: "starnine@mit.edu"}, {Email: "bob@example.com"}})
	if _, err := athena.Outbound(outsider); !buserr.IsValidation(err) {
		t.Fatalf("unmirrored recipient: %v", err)
	}
	if _, err := athena.Outbound(apiclient.Message{Type: "carrier-pigeon"}); buserr.KindOf(err) != buserr.KindProtocolDrift {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestInboundOutboundGroupRoundTrip(t *testing.T) {
	ns, err := athena.Outbound(apiclient.Message{Type: "huddle", SenderEmail: "starnine@mit.edu", Content: "hey",
		DisplayRecipient: rawJSON(t, []model.DisplayUser{{Email: "starnine@mit.edu"}, {Email: "tabbott@mit.edu"}, {Email: "jesse@mit.edu"}})})
	if err != nil {
		t.Fatal(err)
	}
	n := ns[0]
	n.Sender = "starnine@ATHENA.MIT.EDU"
	req, err := athena.Inbound(n)
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != "personal" || req.Content != "hey" || req.To != "tabbott@mit.edu,jesse@mit.edu" {
		t.Fatalf("round trip = %+v", req)
	}
}
