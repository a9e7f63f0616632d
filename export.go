package livesession

import (
	"strings"
)

// renders a session as a standalone markdown document.
//
// markdown blocks are copied verbatim, diff blocks are wrapped in a
// ```diff fence, and other block types are skipped. collapse state and
// commit links are view state and do not appear in the export.
func ExportMarkdown(title string, blocks []*Block, sessionUrl string) string {
	out := &strings.Builder{}
	out.WriteString("# ")
	out.WriteString(title)
	out.WriteString("\n\n")

	for _, block := range blocks {
		switch block.Type {
		case BlockTypeMarkdown:
			out.WriteString(block.Content)
			out.WriteString("\n\n")
		case BlockTypeDiff:
			out.WriteString("```diff\n")
			out.WriteString(block.Content)
			out.WriteString("\n```\n\n")
		}
	}

	out.WriteString("\nOriginally published as a CodeCook session at ")
	out.WriteString(sessionUrl)
	return out.String()
}

func (self *SessionManager) ExportMarkdown(sessionUrl string) string {
	return ExportMarkdown(self.Title(), self.Blocks(), sessionUrl)
}
