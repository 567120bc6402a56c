package reviewer

import (
	"bytes"
	"text/template"
)

var structureTemplate = template.Must(template.New("structure").Parse(`Analyze the following repository file structure and provide feedback in JSON format:

File Structure:
{{.FileTree}}

Return your analysis in this exact JSON format:
{
  "overall_rating": "good|needs_improvement|poor",
  "issues": [
    {
      "type": "structure|organization|naming",
      "severity": "info|warning|critical",
      "message": "Description of the issue",
      "suggestion": "How to improve"
    }
  ],
  "strengths": ["List of good practices found"],
  "recommendations": ["List of improvement suggestions"]
}`))

var fileTemplate = template.Must(template.New("file").Parse(`Review the following code file and identify issues in JSON format:

File: {{.Filename}}
Content:
{{.Content}}

Analyze for:
1. Code quality and best practices
2. Grammar and naming conventions
3. Security vulnerabilities (API keys, secrets, etc.)
4. Potential bugs
5. Performance issues

Return your review in this exact JSON format:
{
  "filename": "{{.Filename}}",
  "issues": [
    {
      "line": 10,
      "type": "security|bug|grammar|style|performance",
      "severity": "info|warning|critical",
      "message": "Description of the issue",
      "suggestion": "How to fix it"
    }
  ],
  "summary": {
    "total_issues": 0,
    "critical": 0,
    "warnings": 0,
    "info": 0
  }
}`))

// StructurePrompt renders the repository layout prompt for a newline separated file listing.
func StructurePrompt(fileTree string) string {
	return render(structureTemplate, struct{ FileTree string }{fileTree})
}

// FilePrompt renders the per-file review prompt.
func FilePrompt(filename, content string) string {
	return render(fileTemplate, struct{ Filename, Content string }{filename, content})
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	// the templates are static and the data is plain strings
	_ = t.Execute(&buf, data)
	return buf.String()
}

// Truncate shortens content to at most limit characters. A non-positive limit disables it.
func Truncate(content string, limit int) (string, bool) {
	if limit <= 0 {
		return content, false
	}
	n := 0
	for i := range content {
		if n == limit {
			return content[:i], true
		}
		n++
	}
	return content, false
}
