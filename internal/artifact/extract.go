package artifact

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Block is one fenced code block lifted out of a markdown message.
type Block struct {
	Language string
	Title    string
	Content  string
}

// ExtractBlocks walks the markdown AST of an assistant message and
// returns its fenced code blocks. A block's title comes from the nearest
// preceding heading; blocks with no heading get an ordinal title. Blocks
// without a language tag are skipped — there is nothing to execute and
// no way to classify them.
func ExtractBlocks(markdown string) []Block {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var blocks []Block
	var lastHeading string

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			lastHeading = strings.TrimSpace(string(node.Text(source)))
		case *ast.FencedCodeBlock:
			lang := strings.ToLower(strings.TrimSpace(string(node.Language(source))))
			if lang == "" {
				return ast.WalkContinue, nil
			}
			var sb strings.Builder
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(source))
			}
			title := lastHeading
			if title == "" {
				title = fmt.Sprintf("Snippet %d", len(blocks)+1)
			}
			blocks = append(blocks, Block{
				Language: lang,
				Title:    title,
				Content:  sb.String(),
			})
		}
		return ast.WalkContinue, nil
	})

	return blocks
}

// ExtractInto stores every code block found in an assistant message as a
// new artifact owned by the conversation. Returns the created artifacts.
func ExtractInto(store Store, conversationID, markdown string) ([]*Artifact, error) {
	var created []*Artifact
	for _, b := range ExtractBlocks(markdown) {
		a := &Artifact{
			ConversationID: conversationID,
			Title:          b.Title,
			Language:       b.Language,
			Content:        b.Content,
		}
		if err := store.Create(a); err != nil {
			return created, fmt.Errorf("store extracted artifact %q: %w", b.Title, err)
		}
		created = append(created, a)
	}
	return created, nil
}
