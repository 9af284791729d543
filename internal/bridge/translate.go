package bridge

import (
	"fmt"
	"strings"

	"chatbus/internal/apiclient"
	"chatbus/internal/buserr"
	"chatbus/internal/zephyr"
)

const (
	// MirrorClient is the sending client of messages the bridge forges.
	MirrorClient = "zephyr_mirror"

	classMessage   = "message"
	instancePrefix = "instance "
	ccPrefix       = "CC:"
)

// Addressing converts between legacy principals and bus emails.
type Addressing struct {
	// Realm is the legacy realm, e.g. ATHENA.MIT.EDU.
	Realm string
	// Domain is the bus email domain of mirrored users, e.g. mit.edu.
	Domain string
}

func (a Addressing) Email(principal string) string {
	return strings.ToLower(zephyr.StripRealm(principal)) + "@" + a.Domain
}

// Principal returns the legacy principal of a bus email, or false when the
// email is outside the mirrored domain.
func (a Addressing) Principal(email string) (string, bool) {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || !strings.EqualFold(email[at+1:], a.Domain) {
		return "", false
	}
	p := email[:at]
	if a.Realm != "" {
		p += "@" + a.Realm
	}
	return p, true
}

// splitCC removes a leading "CC: a b c" line and returns the listed users.
func splitCC(body string) ([]string, string) {
	first, rest, _ := strings.Cut(body, "\n")
	if !strings.HasPrefix(first, ccPrefix) {
		return nil, body
	}
	return strings.Fields(strings.TrimPrefix(first, ccPrefix)), rest
}

// Inbound translates a notice into a forged publish request.
//
//   - personal class=message notices become personal messages; a leading
//     CC line turns them into group messages to every listed user
//   - class=message,instance=X maps to stream x with subject "instance X"
//   - any other class maps to the stream of that name, subject = instance
func (a Addressing) Inbound(n zephyr.Notice) (apiclient.SendRequest, error) {
	if strings.TrimSpace(n.Sender) == "" {
		return apiclient.SendRequest{}, buserr.Validation("notice without sender")
	}
	req := apiclient.SendRequest{
		Content:  n.Body,
		Client:   MirrorClient,
		Forged:   true,
		Time:     n.Time,
		Sender:   a.Email(n.Sender),
		FullName: strings.TrimSpace(n.Signature),
	}
	class := strings.ToLower(strings.TrimSpace(n.Class))

	if n.Personal() {
		if class != classMessage {
			return apiclient.SendRequest{}, buserr.Validation("personal notice on class %q", n.Class)
		}
		to := []string{a.Email(n.Recipient)}
		cc, body := splitCC(n.Body)
		for _, u := range cc {
			to = append(to, a.Email(u))
		}
		req.Type = "personal"
		req.To = strings.Join(dedupe(to), ",")
		req.Content = body
		return req, nil
	}

	req.Type = "stream"
	if class == classMessage {
		inst := strings.TrimSpace(n.Instance)
		if inst == "" || inst == "*" {
			inst = "personal"
		}
		req.To = strings.ToLower(inst)
		req.Subject = instancePrefix + inst
		return req, nil
	}
	req.To = class
	req.Subject = n.Instance
	return req, nil
}

// Outbound translates a bus message into the notices that mirror it. Group
// messages become one personal notice per other participant, each body
// prefixed with a CC line listing everyone.
func (a Addressing) Outbound(m apiclient.Message) ([]zephyr.Notice, error) {
	base := zephyr.Notice{
		Body:      m.Content,
		Signature: m.SenderFullName,
		Time:      m.SentAt(),
	}
	switch m.Type {
	case "stream":
		stream := m.StreamName()
		if stream == "" {
			return nil, buserr.ProtocolDrift("message %d: stream without name", m.ID)
		}
		n := base
		n.Class, n.Instance = stream, m.Subject
		if strings.HasPrefix(m.Subject, instancePrefix) &&
			strings.EqualFold(strings.TrimPrefix(m.Subject, instancePrefix), stream) {
			n.Class, n.Instance = classMessage, strings.TrimPrefix(m.Subject, instancePrefix)
		}
		if n.Instance == "" {
			n.Instance = "personal"
		}
		return []zephyr.Notice{n}, nil

	case "personal", "huddle":
		var others []string
		for _, u := range m.Recipients() {
			if strings.EqualFold(u.Email, m.SenderEmail) {
				continue
			}
			p, ok := a.Principal(u.Email)
			if !ok {
				return nil, buserr.Validation("recipient %s is not mirrored", u.Email)
			}
			others = append(others, p)
		}
		if len(others) == 0 {
			// Self-message.
			p, _ := a.Principal(m.SenderEmail)
			others = []string{p}
		}
		body := m.Content
		if len(others) > 1 {
			names := make([]string, len(others))
			for i, p := range others {
				names[i] = zephyr.StripRealm(p)
			}
			body = fmt.Sprintf("%s %s\n%s", ccPrefix, strings.Join(names, " "), m.Content)
		}
		out := make([]zephyr.Notice, 0, len(others))
		for _, p := range others {
			n := base
			n.Class, n.Instance, n.Recipient, n.Body = classMessage, "personal", p, body
			out = append(out, n)
		}
		return out, nil
	}
	return nil, buserr.ProtocolDrift("message %d: unknown type %q", m.ID, m.Type)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
