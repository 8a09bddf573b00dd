// Package chattemplate renders chat messages into a single prompt string
// via pongo2 Jinja templates. Repointed from the teacher's
// chat_template_jinja.go, which fetched a template from the HF Hub, to a
// local-model-directory override since model assets here are
// filesystem-only. Default template matches the role-tagged block grammar
// the chat backend's decoder loop was trained against.
package chattemplate

import (
	"fmt"
	"os"
	"path/filepath"

	pongo "github.com/flosch/pongo2/v6"
)

// Message is the minimal role/content pair the renderer needs.
type Message struct {
	Role    string
	Content string
}

// defaultTemplate renders `<|role|>\n{content}<|end|>` blocks in order,
// with a trailing `<|assistant|>\n` to prime generation.
const defaultTemplate = `{% for message in messages %}<|{{ message.role }}|>
{{ message.content }}<|end|>
{% endfor %}{% if add_generation_prompt %}<|assistant|>
{% endif %}`

// Renderer holds a compiled template.
type Renderer struct {
	tpl *pongo.Template
}

// Load builds a Renderer for modelDir: if modelDir/chat_template.jinja
// exists it is used verbatim, otherwise the compiled-in default applies.
func Load(modelDir string) (*Renderer, error) {
	raw := defaultTemplate
	overridePath := filepath.Join(modelDir, "chat_template.jinja")
	if b, err := os.ReadFile(overridePath); err == nil && len(b) > 0 {
		raw = string(b)
	}

	tpl, err := pongo.FromString(raw)
	if err != nil {
		return nil, fmt.Errorf("chattemplate: parse template: %w", err)
	}
	return &Renderer{tpl: tpl}, nil
}

// Render builds the prompt string for messages. Identical message
// sequences always yield byte-identical output.
func (r *Renderer) Render(messages []Message) (string, error) {
	rendered := make([]map[string]any, len(messages))
	for i, m := range messages {
		rendered[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	out, err := r.tpl.Execute(pongo.Context{
		"messages":              rendered,
		"add_generation_prompt": true,
	})
	if err != nil {
		return "", fmt.Errorf("chattemplate: render: %w", err)
	}
	return out, nil
}
