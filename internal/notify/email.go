package notify

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"io"
	"net/mail"
	"sort"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"restock_monitor/internal/config"
	"restock_monitor/internal/model"
)

// EmailSink mails each event through the SMTP server of the sender's provider.
type EmailSink struct {
	cfg config.EmailConfig
	// send is replaced in tests.
	send func(d *gomail.Dialer, m *gomail.Message) error
}

func NewEmailSink(cfg config.EmailConfig) (*EmailSink, error) {
	if err := validateEmailConfig(cfg); err != nil {
		return nil, err
	}
	return &EmailSink{cfg: cfg, send: func(d *gomail.Dialer, m *gomail.Message) error { return d.DialAndSend(m) }}, nil
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, evt model.NotificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildMessage(s.cfg, evt)
	if err != nil {
		return err
	}
	from := strings.TrimSpace(s.cfg.Address)
	host, port, useSSL, err := smtpConfigForEmail(from)
	if err != nil {
		return err
	}
	d := gomail.NewDialer(host, port, from, strings.TrimSpace(s.cfg.AuthCode))
	d.SSL = useSSL
	return s.send(d, msg)
}

func validateEmailConfig(c config.EmailConfig) error {
	email := strings.TrimSpace(c.Address)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(c.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	if to := strings.TrimSpace(c.To); to != "" {
		if _, err := mail.ParseAddress(to); err != nil {
			return errors.New("invalid recipient")
		}
	}
	return nil
}

func buildMessage(c config.EmailConfig, evt model.NotificationEvent) (*gomail.Message, error) {
	from := strings.TrimSpace(c.Address)
	to := strings.TrimSpace(c.To)
	if to == "" {
		to = from
	}
	htmlBody, textBody, err := buildEmailBody(evt)
	if err != nil {
		return nil, err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(from, "补货监控"))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", buildSubject(evt))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)
	if a := evt.Attachment; a != nil && len(a.Data) > 0 {
		data := a.Data
		msg.Attach(a.Name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}
	return msg, nil
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "qq.com" || strings.HasSuffix(domain, ".qq.com") || domain == "foxmail.com" || strings.HasSuffix(domain, ".foxmail.com"):
		return "smtp.qq.com", 465, true, nil
	case domain == "163.com" || strings.HasSuffix(domain, ".163.com") ||
		domain == "126.com" || strings.HasSuffix(domain, ".126.com"):
		return "smtp.163.com", 465, true, nil
	case domain == "gmail.com" || strings.HasSuffix(domain, ".gmail.com"):
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || strings.HasSuffix(domain, ".outlook.com") ||
		domain == "hotmail.com" || strings.HasSuffix(domain, ".hotmail.com") ||
		domain == "live.com" || strings.HasSuffix(domain, ".live.com"):
		return "smtp.office365.com", 587, false, nil
	case domain == "icloud.com" || domain == "me.com":
		return "smtp.mail.me.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

var subjectLabels = map[model.EventKind]string{
	model.EventStarted:     "监控已启动",
	model.EventAvailable:   "补货提醒",
	model.EventAddedToCart: "已加入购物车",
	model.EventPurchased:   "下单成功",
	model.EventError:       "监控异常",
	model.EventStopped:     "监控已停止",
}

func buildSubject(evt model.NotificationEvent) string {
	label := subjectLabels[evt.Kind]
	if label == "" {
		label = string(evt.Kind)
	}
	name := strings.TrimSpace(evt.TaskName)
	if name == "" {
		return label
	}
	return label + "：" + name
}

var emailHTMLTpl = template.Must(template.New("email").Parse(`
<!doctype html>
<html lang="zh-CN">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width" />
    <title>{{ .Title }}</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,'PingFang SC','Hiragino Sans GB','Microsoft YaHei',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;letter-spacing:.2px;">{{ .Title }}</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">补货监控通知</div>
        </div>

        <div style="padding:22px;">
          <div style="font-size:18px;font-weight:700;color:#111827;line-height:1.35;">{{ if .URL }}<a href="{{ .URL }}" style="color:#111827;text-decoration:none;">{{ .TaskName }}</a>{{ else }}{{ .TaskName }}{{ end }}</div>
          <div style="margin-top:6px;color:#6b7280;font-size:12px;line-height:1.6;">
            {{ .Message }}
          </div>

          {{ if .ImageURL }}<img src="{{ .ImageURL }}" alt="" style="margin-top:14px;max-width:240px;border-radius:10px;" />{{ end }}
          <div style="margin-top:16px;border:1px solid #eef0f6;border-radius:12px;overflow:hidden;">
            <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
              <tbody>
                {{ range .Rows }}
                <tr>
                  <td style="width:160px;padding:12px 14px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;font-size:12px;">{{ .K }}</td>
                  <td style="padding:12px 14px;border-bottom:1px solid #eef0f6;color:#111827;font-size:12px;font-weight:600;">{{ .V }}</td>
                </tr>
                {{ end }}
              </tbody>
            </table>
          </div>

          <div style="margin-top:14px;color:#9ca3af;font-size:12px;line-height:1.6;">
            此邮件由系统自动发送
          </div>
        </div>
      </div>
      <div style="text-align:center;margin-top:12px;color:#9ca3af;font-size:12px;">
        © 补货监控
      </div>
    </div>
  </body>
</html>
`))

type rowKV struct {
	K string
	V string
}

func buildEmailBody(evt model.NotificationEvent) (htmlBody string, textBody string, err error) {
	name := strings.TrimSpace(evt.TaskName)
	if name == "" {
		name = strings.TrimSpace(evt.URL)
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	rows := []rowKV{{K: "时间", V: at.Format("2006-01-02 15:04:05")}}
	if evt.TaskID != "" {
		rows = append(rows, rowKV{K: "任务", V: evt.TaskID})
	}
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, rowKV{K: k, V: evt.Fields[k]})
	}

	data := struct {
		Title    string
		TaskName string
		URL      string
		Message  string
		ImageURL string
		Rows     []rowKV
	}{
		Title:    buildSubject(evt),
		TaskName: name,
		URL:      evt.URL,
		Message:  evt.Message,
		ImageURL: evt.ImageURL,
		Rows:     rows,
	}

	var buf bytes.Buffer
	if err := emailHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString(data.Title + "\n")
	if evt.Message != "" {
		text.WriteString(evt.Message + "\n")
	}
	if evt.URL != "" {
		text.WriteString("链接：" + evt.URL + "\n")
	}
	for _, r := range rows {
		text.WriteString(r.K + "：" + r.V + "\n")
	}

	return buf.String(), text.String(), nil
}
