package knowledge

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"
)

// AllowedUploadExtensions lists the business data formats accepted from users
var AllowedUploadExtensions = []string{".pdf", ".txt", ".md", ".docx", ".csv", ".xlsx"}

// ErrUnsupportedType is returned for files whose extension or content is not accepted
var ErrUnsupportedType = errors.New("unsupported file type")

// ValidateUpload checks the extension of name against the allow list and
// makes sure the content actually looks like that kind of file.
func ValidateUpload(name string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(AllowedUploadExtensions, ext) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	mtype := mimetype.Detect(data)
	var expected string
	switch ext {
	case ".pdf":
		expected = "application/pdf"
	case ".docx", ".xlsx":
		expected = "application/zip"
	default:
		expected = "text/plain"
	}

	if !isA(mtype, expected) {
		return fmt.Errorf("%w: %s does not look like %s (detected %s)", ErrUnsupportedType, name, ext, mtype.String())
	}
	return nil
}

// isA reports whether m or one of its parents matches want
func isA(m *mimetype.MIME, want string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

// Extract returns the plain text of a document, picking the reader by file extension
func Extract(name string, data []byte) (string, error) {
	logger := log.WithFields(logrus.Fields{
		"file": name,
		"size": len(data),
	})

	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		text, err = extractPDF(data)
	case ".docx":
		text, err = extractDocx(data)
	case ".xlsx":
		text, err = extractXlsx(data)
	default:
		if !utf8.Valid(data) {
			logger.Warn("File is not valid UTF-8, replacing invalid sequences")
		}
		text = strings.ToValidUTF8(string(data), "�")
	}
	if err != nil {
		logger.WithError(err).Error("Failed to extract text")
		return "", fmt.Errorf("error extracting text from %s: %w", name, err)
	}

	logger.WithField("characters", len(text)).Debug("Extracted text")
	return strings.TrimSpace(text), nil
}

func extractPDF(data []byte) (string, error) {
	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return "", fmt.Errorf("invalid PDF: %w", err)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", err
	}
	defer doc.Close()

	if doc.NumPage() < pages {
		pages = doc.NumPage()
	}

	var sb strings.Builder
	for n := 0; n < pages; n++ {
		pageText, err := doc.Text(n)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", n+1, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// extractDocx reads the paragraphs of word/document.xml
func extractDocx(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	part, err := readZipPart(archive, "word/document.xml")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	decoder := xml.NewDecoder(bytes.NewReader(part))
	inText := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteString("\t")
			case "br":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

// extractXlsx renders every worksheet as tab separated rows
func extractXlsx(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var shared []string
	if part, err := readZipPart(archive, "xl/sharedStrings.xml"); err == nil {
		shared, err = parseSharedStrings(part)
		if err != nil {
			return "", fmt.Errorf("shared strings: %w", err)
		}
	}

	var sheets []string
	for _, f := range archive.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/") && strings.HasSuffix(f.Name, ".xml") {
			sheets = append(sheets, f.Name)
		}
	}
	sort.Strings(sheets)

	var sb strings.Builder
	for _, sheet := range sheets {
		part, err := readZipPart(archive, sheet)
		if err != nil {
			return "", err
		}
		if err := renderSheet(&sb, part, shared); err != nil {
			return "", fmt.Errorf("%s: %w", sheet, err)
		}
	}
	return sb.String(), nil
}

func parseSharedStrings(part []byte) ([]string, error) {
	var items []string
	var current strings.Builder
	decoder := xml.NewDecoder(bytes.NewReader(part))
	inText := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				current.Reset()
			case "t":
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "si":
				items = append(items, current.String())
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
}

func renderSheet(sb *strings.Builder, part []byte, shared []string) error {
	decoder := xml.NewDecoder(bytes.NewReader(part))
	var (
		cells    []string
		cellType string
		value    strings.Builder
		inValue  bool
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				cells = cells[:0]
			case "c":
				cellType = ""
				value.Reset()
				for _, attr := range t.Attr {
					if attr.Name.Local == "t" {
						cellType = attr.Value
					}
				}
			case "v", "t":
				inValue = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				cell := value.String()
				if cellType == "s" {
					if i, err := strconv.Atoi(cell); err == nil && i >= 0 && i < len(shared) {
						cell = shared[i]
					}
				}
				cells = append(cells, cell)
			case "row":
				sb.WriteString(strings.Join(cells, "\t"))
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inValue {
				value.Write(t)
			}
		}
	}
}

func readZipPart(archive *zip.Reader, name string) ([]byte, error) {
	for _, f := range archive.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("missing %s", name)
}
