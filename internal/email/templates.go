package email

import (
	"bytes"
	"html/template"
)

var templates = template.Must(template.New("email").Parse(`
{{define "layout"}}<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #1f2933;">
<h2>SafeHold</h2>
{{template "body" .}}
<p style="color: #7b8794; font-size: 12px;">You are receiving this email because of activity on your SafeHold account.</p>
</body></html>{{end}}

{{define "registered"}}<p>Hi {{.Name}},</p>
<p>Welcome to SafeHold. Your account <strong>{{.Username}}</strong> is ready, and your wallet has been created.</p>
<p><a href="{{.AppURL}}">Sign in</a> to start your first escrow.</p>{{end}}

{{define "reset"}}<p>Hi {{.Name}},</p>
<p>We received a request to reset your password. The link below expires in one hour.</p>
<p><a href="{{.Link}}">Reset password</a></p>
<p>If you did not ask for this, you can ignore this email.</p>{{end}}

{{define "escrowCreated"}}<p>Hi {{.Name}},</p>
<p>Your escrow <strong>{{.EscrowID}}</strong> for {{.Currency}} {{.Amount}} ({{.Category}}) has been created.
We have notified {{.Counterparty}}.</p>
<p><a href="{{.Link}}">View escrow</a></p>{{end}}

{{define "escrowReceived"}}<p>Hello{{if .Name}} {{.Name}}{{end}},</p>
<p>{{.CreatorName}} has invited you to an escrow as the {{.Role}} for {{.Currency}} {{.Amount}} ({{.Category}}).</p>
<p>{{if .Registered}}<a href="{{.Link}}">Review and accept</a>{{else}}<a href="{{.AppURL}}">Create an account</a> with this email address to review and accept it.{{end}}</p>{{end}}
`))

// render executes the named body inside the shared layout.
func render(name string, data any) (string, error) {
	t, err := templates.Clone()
	if err != nil {
		return "", err
	}
	if _, err := t.New("body").Parse(`{{template "` + name + `" .}}`); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
