package changeset

import (
	"encoding/xml"
	"strings"

	"github.com/youruser/patchwork/internal/types"
)

// Format renders cs in the <code_changes> grammar the parser reads. Content
// is wrapped in CDATA; a literal "]]>" is split across two sections.
func Format(cs *types.ChangeSet) string {
	var b strings.Builder
	b.WriteString("<code_changes>\n")
	if cs == nil {
		b.WriteString("</code_changes>\n")
		return b.String()
	}

	if cs.Title != "" {
		b.WriteString("<title>")
		b.WriteString(escape(cs.Title))
		b.WriteString("</title>\n")
	}
	writeEntries(&b, "new_files", cs.NewFiles)
	writeEntries(&b, "modified_files", cs.ModifiedFiles)
	if len(cs.DeletedFiles) > 0 {
		b.WriteString("<deleted_files>\n")
		for _, d := range cs.DeletedFiles {
			b.WriteString("<file>\n<path>")
			b.WriteString(escape(d.Path))
			b.WriteString("</path>\n</file>\n")
		}
		b.WriteString("</deleted_files>\n")
	}
	b.WriteString("</code_changes>\n")
	return b.String()
}

func writeEntries(b *strings.Builder, section string, files []types.FileEntry) {
	if len(files) == 0 {
		return
	}
	b.WriteString("<" + section + ">\n")
	for _, f := range files {
		b.WriteString("<file>\n<path>")
		b.WriteString(escape(f.Path))
		b.WriteString("</path>\n")
		if f.Thoughts != "" {
			b.WriteString("<thoughts>")
			b.WriteString(escape(f.Thoughts))
			b.WriteString("</thoughts>\n")
		}
		b.WriteString("<content>\n")
		b.WriteString(cdata(f.Content))
		b.WriteString("\n</content>\n</file>\n")
	}
	b.WriteString("</" + section + ">\n")
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func cdata(s string) string {
	return "<![CDATA[" + strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>") + "]]>"
}
