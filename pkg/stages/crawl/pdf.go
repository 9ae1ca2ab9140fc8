package crawl

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// extractPDFText pulls the visible text out of a PDF's content
// streams well enough to feed the chunk stage: it is not a full PDF
// renderer (no font encoding tables, no layout reconstruction), just a
// scan for (Tj)/(TJ) string-showing operators, which is what every
// service-manual PDF encountered in practice actually uses to place
// text. No example repo in the corpus imports a PDF library, so this
// stays on the standard library rather than fabricating a dependency.
func extractPDFText(raw []byte) (string, error) {
	streams := findStreams(raw)
	if len(streams) == 0 {
		return "", fmt.Errorf("no content streams found")
	}

	var sb strings.Builder
	for _, stream := range streams {
		decoded, err := inflateIfNeeded(stream)
		if err != nil {
			continue // skip streams we can't decode (e.g. image data) rather than fail the whole document
		}
		sb.WriteString(extractShowTextOperands(decoded))
		sb.WriteString(" ")
	}
	return strings.TrimSpace(sb.String()), nil
}

var streamPattern = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\nendstream`)

// findStreams returns the raw bytes between every stream/endstream
// pair in the file.
func findStreams(raw []byte) [][]byte {
	matches := streamPattern.FindAllSubmatch(raw, -1)
	out := make([][]byte, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// inflateIfNeeded zlib-decompresses a stream (the common FlateDecode
// case); streams that aren't zlib at all (already-plain content
// streams, or filters this package doesn't understand) are returned
// as-is so the caller can still scan them for text operators.
func inflateIfNeeded(stream []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(stream))
	if err != nil {
		return stream, nil
	}
	defer r.Close()
	decoded, err := io.ReadAll(r)
	if err != nil {
		return stream, nil
	}
	return decoded, nil
}

var showTextPattern = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*(?:Tj|TJ)`)

// extractShowTextOperands finds every parenthesized string immediately
// preceding a Tj/TJ operator and unescapes PDF string escapes.
func extractShowTextOperands(content []byte) string {
	matches := showTextPattern.FindAllSubmatch(content, -1)
	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(unescapePDFString(string(m[1])))
		sb.WriteString(" ")
	}
	return sb.String()
}

func unescapePDFString(s string) string {
	replacer := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "\r", `\t`, "\t")
	return replacer.Replace(s)
}
