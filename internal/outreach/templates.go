package outreach

import (
	"bytes"
	"fmt"
	"text/template"

	"leadline/internal/config"
	"leadline/internal/domain"
)

const initialSubject = "Quick question about {{.BusinessName}}"

const initialBody = `Hi,

I came across {{.BusinessName}} while looking at {{.Category}} businesses in {{.Location}}. {{.Observation}}

I help local businesses get more customers through a modern web presence. Would you be open to a short call this week?

Best,
{{.SenderName}}`

const followupSubject = "Re: Quick question about {{.BusinessName}}"

const followupBody = `Hi,

Just following up on my note from a few days ago about {{.BusinessName}}. {{.Observation}}

Happy to share a couple of concrete ideas, no strings attached.

Best,
{{.SenderName}}`

type templateData struct {
	BusinessName string
	Category     string
	Location     string
	Observation  string
	SenderName   string
}

// Renderer builds personalized subject and body pairs. The observation line
// is chosen by the lead's qualification tag; unknown tags fall back to the
// generic line.
type Renderer struct {
	Config *config.Config
}

func (r Renderer) observation(tag string) string {
	if t, ok := r.Config.Templates[tag]; ok && t.Observation != "" {
		return t.Observation
	}
	if t, ok := r.Config.Templates["unknown"]; ok {
		return t.Observation
	}
	return "I noticed there may be room to improve how customers find you online."
}

// Render produces the message for a lead. kind is initial or followup.
func (r Renderer) Render(lead domain.Lead, kind string) (subject, body string, err error) {
	data := templateData{
		BusinessName: lead.BusinessName,
		Category:     lead.Category,
		Location:     lead.Location,
		Observation:  r.observation(lead.Tag),
		SenderName:   r.Config.Sender.Name,
	}
	switch kind {
	case domain.MessageInitial:
		return render(initialSubject, initialBody, data)
	case domain.MessageFollowup:
		return render(followupSubject, followupBody, data)
	default:
		return "", "", fmt.Errorf("unknown message kind %q", kind)
	}
}

func render(subjectTmpl, bodyTmpl string, data templateData) (string, string, error) {
	subject, err := renderOne("subject", subjectTmpl, data)
	if err != nil {
		return "", "", err
	}
	body, err := renderOne("body", bodyTmpl, data)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func renderOne(name, tmpl string, data templateData) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
