package knowledge

import "strings"

// Section operations work on markdown heading structure. A section is located
// by substring match on its header line; its body runs until the next header
// of the same or higher level.

// appendToSection inserts text at the end of the named section, or at the end
// of the file when the section is empty or absent.
func appendToSection(content, section, text string) string {
	if section == "" {
		return strings.TrimRight(content, "\n") + "\n\n" + text
	}
	lines := strings.Split(content, "\n")
	start := findSectionLine(lines, section)
	if start < 0 {
		return strings.TrimRight(content, "\n") + "\n\n" + text
	}

	end := findSectionEnd(lines, start, headerLevel(section))
	insert := end
	for insert > start+1 && strings.TrimSpace(lines[insert-1]) == "" {
		insert--
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:insert]...)
	out = append(out, "", text)
	out = append(out, lines[insert:]...)
	return strings.Join(out, "\n")
}

// replaceSection keeps the section header and replaces its body. With an
// empty section the whole file is replaced.
func replaceSection(content, section, text string) string {
	if section == "" {
		return text
	}
	lines := strings.Split(content, "\n")
	start := findSectionLine(lines, section)
	if start < 0 {
		return content
	}
	end := findSectionEnd(lines, start, headerLevel(section))

	out := make([]string, 0, len(lines))
	out = append(out, lines[:start+1]...)
	out = append(out, "", text)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}

// insertAtSection places text immediately after the section header, or at the
// top of the file when the section is absent.
func insertAtSection(content, section, text string) string {
	if section != "" {
		lines := strings.Split(content, "\n")
		if start := findSectionLine(lines, section); start >= 0 {
			out := make([]string, 0, len(lines)+2)
			out = append(out, lines[:start+1]...)
			out = append(out, "", text)
			out = append(out, lines[start+1:]...)
			return strings.Join(out, "\n")
		}
	}
	return text + "\n\n" + content
}

func findSectionLine(lines []string, section string) int {
	for i, line := range lines {
		if strings.Contains(line, section) {
			return i
		}
	}
	return -1
}

func findSectionEnd(lines []string, start, level int) int {
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "#") && headerLevel(trimmed) <= level {
			return i
		}
	}
	return len(lines)
}

func headerLevel(header string) int {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return 0
	}
	return len(fields[0])
}
