package prompt

import (
	"strings"
	"text/template"
)

// Agent is the part of a roster entry the stage prompts need.
type Agent struct {
	Name         string
	Instructions string
}

// Contribution is one agent's output in a finished stage.
type Contribution struct {
	Name   string
	Text   string
	Failed bool
}

type StageData struct {
	Question string
	Agent    Agent
	Roster   []Agent
	// Initial and Discussion are the finished stage transcripts.
	Initial    []Contribution
	Discussion []Contribution
}

var funcs = template.FuncMap{
	"transcript": Transcript,
}

var (
	initialTmpl = template.Must(template.New("initial").Funcs(funcs).Parse(
		`You are {{.Agent.Name}}, one of {{len .Roster}} experts working together on a user's question.
{{- if .Agent.Instructions}}

Your perspective:
{{.Agent.Instructions}}
{{- end}}

The user asked:
"""
{{.Question}}
"""

Give your initial analysis from your own area of expertise. Be specific and concise, name the
risks and opportunities you see, and do not try to cover every angle: the other experts will
cover theirs.`))

	discussionTmpl = template.Must(template.New("discussion").Funcs(funcs).Parse(
		`You are {{.Agent.Name}}, continuing a discussion with the other experts.
{{- if .Agent.Instructions}}

Your perspective:
{{.Agent.Instructions}}
{{- end}}

The user asked:
"""
{{.Question}}
"""

Initial thoughts from every expert:

{{transcript .Initial}}

React to your peers. Point out where you agree, where you disagree and why, and what is missing.
Refine your own position in light of theirs.`))

	synthesisSystemTmpl = template.Must(template.New("synthesis_system").Parse(
		`You synthesize the work of a panel of {{len .Roster}} experts into one answer for the user.
The panel:
{{- range .Roster}}
- {{.Name}}{{if .Instructions}}: {{.Instructions}}{{end}}
{{- end}}

Write a single, well-organized answer that combines their strongest points, resolves their
disagreements where possible and states plainly where they remain. Speak directly to the user;
do not describe the panel process. Ignore contributions marked as failed.`))

	synthesisUserTmpl = template.Must(template.New("synthesis_user").Funcs(funcs).Parse(
		`Question:
"""
{{.Question}}
"""

## Initial thoughts

{{transcript .Initial}}

## Cross-discussion

{{transcript .Discussion}}

Write the final answer.`))
)

func render(t *template.Template, data StageData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Initial renders the stage 1 prompt for data.Agent.
func Initial(data StageData) (string, error) { return render(initialTmpl, data) }

// Discussion renders the stage 2 prompt for data.Agent over data.Initial.
func Discussion(data StageData) (string, error) { return render(discussionTmpl, data) }

// SynthesisSystem renders the roster description for the synthesis call.
func SynthesisSystem(data StageData) (string, error) { return render(synthesisSystemTmpl, data) }

// SynthesisUser renders the question and both transcripts.
func SynthesisUser(data StageData) (string, error) { return render(synthesisUserTmpl, data) }

// Transcript labels each contribution with its agent name.
func Transcript(cs []Contribution) string {
	var b strings.Builder
	for i, c := range cs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("### ")
		b.WriteString(c.Name)
		if c.Failed {
			b.WriteString(" (failed)")
		}
		b.WriteString("\n")
		b.WriteString(c.Text)
	}
	return b.String()
}
