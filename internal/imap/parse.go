package imap

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Message is the parsed form the matcher and processor work with. Parsing is
// permissive: a broken message yields placeholders rather than an error, so
// one bad message can never stall a whole folder.
type Message struct {
	UID       uint32
	Subject   string
	From      string
	To        string
	MessageID string
	Date      time.Time
	Body      string
}

const (
	placeholderSubjectFmt = "[Email UID: %d]"
	placeholderSender     = "[Unknown sender]"
)

func placeholderMessage(uid uint32) Message {
	return fillMissingIdentity(Message{UID: uid, Date: time.Now()})
}

// fillMissingIdentity applies UID placeholders only when subject, sender,
// and Message-ID are all absent. A message carrying any one of them keeps
// the others empty, so a synthetic id is never attached to a parsable
// message and the composite duplicate check stays reachable.
func fillMissingIdentity(msg Message) Message {
	if msg.Subject == "" && msg.From == "" && msg.MessageID == "" {
		msg.Subject = fmt.Sprintf(placeholderSubjectFmt, msg.UID)
		msg.From = placeholderSender
		msg.MessageID = fmt.Sprintf("<uid-%d>", msg.UID)
	}
	return msg
}

// parseHeader builds a Message from raw RFC 5322 header bytes.
func parseHeader(uid uint32, raw []byte) Message {
	msg := Message{UID: uid, Date: time.Now()}
	if len(raw) == 0 {
		return placeholderMessage(uid)
	}
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(raw, '\r', '\n', '\r', '\n')
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && entity == nil {
		return placeholderMessage(uid)
	}
	h := mail.Header{Header: entity.Header}

	if subject, err := h.Subject(); err == nil && subject != "" {
		msg.Subject = subject
	} else if v := h.Get("Subject"); v != "" {
		msg.Subject = v
	}
	msg.From = formatAddressHeader(h, "From")
	msg.To = formatAddressHeader(h, "To")
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	}
	if id := strings.TrimSpace(h.Get("Message-Id")); id != "" {
		msg.MessageID = id
	}
	return fillMissingIdentity(msg)
}

// parseFull builds a Message from a complete raw message (header + body).
func parseFull(uid uint32, raw []byte) Message {
	header, body := splitMessage(raw)
	msg := parseHeader(uid, header)
	msg.Body = extractText(raw, body)
	return msg
}

// envelopeMessage builds a Message from a FETCH ENVELOPE response.
func envelopeMessage(uid uint32, env *imap.Envelope) Message {
	msg := Message{UID: uid, Date: time.Now()}
	if env == nil {
		return placeholderMessage(uid)
	}
	msg.Subject = env.Subject
	msg.From = formatAddresses(env.From)
	msg.To = formatAddresses(env.To)
	if !env.Date.IsZero() {
		msg.Date = env.Date
	}
	if id := strings.TrimSpace(env.MessageID); id != "" {
		if !strings.HasPrefix(id, "<") {
			id = "<" + id + ">"
		}
		msg.MessageID = id
	}
	return fillMissingIdentity(msg)
}

func formatAddressHeader(h mail.Header, key string) string {
	if addrs, err := h.AddressList(key); err == nil && len(addrs) > 0 {
		parts := make([]string, 0, len(addrs))
		for _, a := range addrs {
			if a.Name != "" {
				parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
			} else {
				parts = append(parts, a.Address)
			}
		}
		return strings.Join(parts, ", ")
	}
	return strings.TrimSpace(h.Get(key))
}

func formatAddresses(addrs []imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		addr := a.Addr()
		if addr == "" {
			continue
		}
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, addr))
		} else {
			parts = append(parts, addr)
		}
	}
	return strings.Join(parts, ", ")
}

func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

// extractText pulls a readable text body out of a full raw message,
// preferring text/plain over text/html MIME parts. On any parse failure the
// raw body bytes are returned as-is.
func extractText(raw, rawBody []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(rawBody)
	}
	var plain, html, first string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		ctype, _, _ := inline.ContentType()
		switch {
		case strings.EqualFold(ctype, "text/plain") && plain == "":
			plain = string(b)
		case strings.EqualFold(ctype, "text/html") && html == "":
			html = string(b)
		case first == "":
			first = string(b)
		}
	}
	switch {
	case plain != "":
		return plain
	case html != "":
		return html
	case first != "":
		return first
	}
	return string(rawBody)
}
