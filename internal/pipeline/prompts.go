package pipeline

import (
	"encoding/json"
	"strings"
	"text/template"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
)

const plannerSystem = `You are the planning editor of a long-running serialized novel.
You outline exactly one chapter at a time and never contradict established canon.`

const writerSystem = `You are the lead writer of a long-running serialized novel.
Write vivid, concrete prose. Show emotion through action and dialogue. Never summarize.`

var planTemplate = template.Must(template.New("plan").Parse(`Outline chapter {{.Chapter}} of "{{.Title}}" ({{.Genre}}).
{{if .Finale}}This chapter belongs to the FINALE ARC: converge open threads toward resolution; do not open new mysteries.
{{end}}{{if .Threads}}
Threads to advance this chapter (prioritize these, in order):
{{range .Threads}}- {{.}}
{{end}}{{end}}{{if .Rejected}}
These titles were rejected as too similar to earlier chapters. Choose a clearly different title:
{{range .Rejected}}- {{.}}
{{end}}{{end}}
Genre rules:
- point of view: {{.POV}}
- style: {{.StyleNotes}}
{{if .Tension}}- planned tension for this chapter: {{.Tension}}/10
{{end}}
Target length: {{.TargetWords}} words across 3 to 5 scenes.

{{.Context}}

Respond with a JSON object with fields: chapter_number, title, scenes (order, setting,
characters, goal, conflict, resolution, estimated_words, pov), emotional_arc (opening,
midpoint, climax, closing), tension_level (1-10), dopamine_points, cliffhanger,
target_word_count, threads_advanced.`))

var sceneTemplate = template.Must(template.New("scene").Parse(`Write scene {{.Scene.Order}} of {{.SceneCount}} for chapter {{.Chapter}}: "{{.ChapterTitle}}".

Setting: {{.Scene.Setting}}
Characters: {{range $i, $c := .Scene.Characters}}{{if $i}}, {{end}}{{$c}}{{end}}
Point of view: {{.Scene.POV}}
Goal: {{.Scene.Goal}}
Conflict: {{.Scene.Conflict}}
Resolution: {{.Scene.Resolution}}
Length: about {{.Scene.EstimatedWords}} words.
{{if .Last}}End the chapter on this cliffhanger: {{.Cliffhanger}}
{{end}}{{if .Previous}}
The previous scene ended:
{{.Previous}}
{{end}}
Style: {{.StyleNotes}}
{{if .Banned}}Never use these phrases: {{range $i, $b := .Banned}}{{if $i}}; {{end}}"{{$b}}"{{end}}
{{end}}
{{.Context}}

Return only the scene prose, with no heading.`))

var rewriteTemplate = template.Must(template.New("rewrite").Parse(`Revise chapter {{.Chapter}} to fix every listed problem while keeping the plot beats.

Problems (JSON):
{{.Violations}}

Target length: {{.TargetWords}} words.
{{if .Titles}}Do not reuse or closely echo any of these titles: {{range $i, $t := .Titles}}{{if $i}}; {{end}}{{$t}}{{end}}
{{end}}{{if .Names}}Spell character names exactly: {{range $i, $n := .Names}}{{if $i}}, {{end}}{{$n}}{{end}}
{{end}}
Current title: {{.Title}}

Current draft:
{{.Content}}

Respond with a JSON object: {"title": "...", "content": "..."}.`))

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

type planData struct {
	Chapter     int
	Title       string
	Genre       string
	Finale      bool
	Threads     []string
	Rejected    []string
	POV         string
	StyleNotes  string
	Tension     int
	TargetWords int
	Context     string
}

type sceneData struct {
	Chapter      int
	ChapterTitle string
	Scene        domain.SceneOutline
	SceneCount   int
	Last         bool
	Cliffhanger  string
	Previous     string
	StyleNotes   string
	Banned       []string
	Context      string
}

type rewriteData struct {
	Chapter     int
	Violations  string
	TargetWords int
	Titles      []string
	Names       []string
	Title       string
	Content     string
}

func violationsJSON(vs []domain.Violation) string {
	data, err := json.MarshalIndent(vs, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}

func rulesOrDefault(r *genre.Rules) *genre.Rules {
	if r == nil {
		return genre.Default()
	}
	return r
}
