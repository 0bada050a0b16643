package docreader

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ─────────────────────────────────────────────────────────────────────────────
// DOCX
// ─────────────────────────────────────────────────────────────────────────────

// extractDOCX returns the paragraph text of word/document.xml, one paragraph
// per line.
func extractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("docx: word/document.xml not found")
	}
	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}
	defer rc.Close()

	var (
		out    strings.Builder
		para   strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteString(para.String())
				out.WriteByte('\n')
				para.Reset()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	out.WriteString(para.String())
	return strings.TrimSpace(out.String()), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PDF
// ─────────────────────────────────────────────────────────────────────────────

var (
	streamRe = regexp.MustCompile(`(?s)<<(.*?)>>\s*stream\r?\n`)
	endRe    = regexp.MustCompile(`\r?\nendstream|endstream`)
)

// extractPDF pulls text shown by Tj, TJ, ' and " operators from every
// plain or Flate-encoded content stream. Font encodings and object streams
// are not interpreted, so output is best-effort.
func extractPDF(data []byte) (string, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \r\n\t"), []byte("%PDF")) {
		return "", errors.New("pdf: missing %PDF header")
	}

	var out strings.Builder
	for _, m := range streamRe.FindAllSubmatchIndex(data, -1) {
		dict := data[m[2]:m[3]]
		body := data[m[1]:]
		end := endRe.FindIndex(body)
		if end == nil {
			continue
		}
		body = body[:end[0]]

		if bytes.Contains(dict, []byte("/FlateDecode")) {
			zr, err := zlib.NewReader(bytes.NewReader(body))
			if err != nil {
				continue
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil && len(inflated) == 0 {
				continue
			}
			body = inflated
		} else if bytes.Contains(dict, []byte("/Filter")) {
			// Other filters (images, fonts) carry no text.
			continue
		}
		out.WriteString(pdfText(body))
	}
	return strings.TrimSpace(collapseBlankLines(out.String())), nil
}

// pdfText interprets the text-showing operators of one content stream.
func pdfText(content []byte) string {
	var (
		out     strings.Builder
		strs    []string // string operands since the last operator
		inArray bool
	)
	emit := func() {
		for _, s := range strs {
			out.WriteString(s)
		}
		strs = strs[:0]
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '(':
			s, n := pdfLiteral(content[i:])
			strs = append(strs, s)
			i += n
		case c == '<' && i+1 < len(content) && content[i+1] != '<':
			j := bytes.IndexByte(content[i:], '>')
			if j < 0 {
				return out.String()
			}
			strs = append(strs, pdfHex(content[i+1:i+j]))
			i += j + 1
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case isPDFSpace(c) || c == '<' || c == '>' || c == '/' || c == '{' || c == '}':
			i++
		default:
			j := i
			for j < len(content) && !isPDFSpace(content[j]) && !strings.ContainsRune("()<>[]{}/%", rune(content[j])) {
				j++
			}
			if j == i {
				// Comment or stray delimiter.
				if c == '%' {
					for j < len(content) && content[j] != '\n' && content[j] != '\r' {
						j++
					}
				} else {
					j++
				}
				i = j
				continue
			}
			tok := string(content[i:j])
			i = j
			if inArray {
				// Large negative kerning inside TJ separates words.
				if len(tok) > 1 && tok[0] == '-' && len(strs) > 0 && kerningGap(tok) {
					strs = append(strs, " ")
				}
				continue
			}
			switch tok {
			case "Tj", "TJ":
				emit()
			case "'", `"`:
				out.WriteByte('\n')
				emit()
			case "T*", "Td", "TD", "ET":
				out.WriteByte('\n')
				strs = strs[:0]
			default:
				if !isPDFNumber(tok) {
					strs = strs[:0]
				}
			}
		}
	}
	return out.String()
}

// pdfLiteral decodes a parenthesised string starting at b[0] and returns it
// with the number of bytes consumed.
func pdfLiteral(b []byte) (string, int) {
	var sb strings.Builder
	depth := 0
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch c {
		case '(':
			if depth > 0 {
				sb.WriteByte(c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
		case '\\':
			i++
			if i >= len(b) {
				return sb.String(), i
			}
			switch e := b[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
			case '\r', '\n':
				// Line continuation.
			default:
				if e >= '0' && e <= '7' {
					v, n := 0, 0
					for n < 3 && i < len(b) && b[i] >= '0' && b[i] <= '7' {
						v = v*8 + int(b[i]-'0')
						i++
						n++
					}
					i--
					sb.WriteByte(byte(v))
				} else {
					sb.WriteByte(e)
				}
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), len(b)
}

func pdfHex(b []byte) string {
	clean := make([]byte, 0, len(b))
	for _, c := range b {
		if !isPDFSpace(c) {
			clean = append(clean, c)
		}
	}
	if len(clean)%2 == 1 {
		clean = append(clean, '0')
	}
	out, err := hex.DecodeString(string(clean))
	if err != nil {
		return ""
	}
	return string(out)
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFNumber(tok string) bool {
	for i, c := range tok {
		if (c < '0' || c > '9') && c != '.' && !(i == 0 && (c == '-' || c == '+')) {
			return false
		}
	}
	return true
}

// kerningGap reports whether a TJ adjustment like "-250" is wide enough to
// be a word break.
func kerningGap(tok string) bool {
	n := 0
	for _, c := range tok[1:] {
		if c == '.' {
			break
		}
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n >= 200
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := 0
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
