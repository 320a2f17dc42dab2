package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails the report with the CSV attached.
type SMTPNotifier struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	send SendMailFunc
}

// NewSMTPNotifier creates a new SMTP notifier. Empty username disables auth.
func NewSMTPNotifier(host string, port int, username, password, from string, to []string) *SMTPNotifier {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPNotifier{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
		to:   to,
		send: smtp.SendMail,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(n.to) == 0 {
		return fmt.Errorf("smtp notifier: no recipients")
	}
	msg, err := buildMail(n.from, n.to, r)
	if err != nil {
		return err
	}
	if err := n.send(n.addr, n.auth, n.from, n.to, msg); err != nil {
		return fmt.Errorf("send report mail: %w", err)
	}
	return nil
}

// buildMail renders a multipart/mixed message: the table as text, the CSV as attachment.
func buildMail(from string, to []string, r Report) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	if _, err = text.Write([]byte(r.Table)); err != nil {
		return nil, err
	}

	if len(r.CSV) > 0 {
		att, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("text/csv; name=%q", r.Filename)},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", r.Filename)},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.StdEncoding.EncodeToString(r.CSV)
		for len(enc) > 76 {
			if _, err = att.Write([]byte(enc[:76] + "\r\n")); err != nil {
				return nil, err
			}
			enc = enc[76:]
		}
		if _, err = att.Write([]byte(enc + "\r\n")); err != nil {
			return nil, err
		}
	}
	if err = mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", r.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
