package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Origins of indexed content
const (
	OriginKnowledgeBase = "knowledge_base"
	OriginUpload        = "upload"
)

// ErrKnowledgeBaseMissing is returned when the knowledge base folder does not exist
var ErrKnowledgeBaseMissing = errors.New("knowledge base folder not found")

// knowledgeBasePatterns are the file types picked up from the knowledge base folder
var knowledgeBasePatterns = []string{"*.md", "*.txt", "*.pdf"}

// File is a named document, either read from the knowledge base or uploaded by a user
type File struct {
	Name   string
	Data   []byte
	Origin string
}

// ListFiles returns the knowledge base documents found in dir, sorted by path
func ListFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ErrKnowledgeBaseMissing
	}

	var files []string
	for _, pattern := range knowledgeBasePatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("error listing %s in %s: %w", pattern, dir, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFiles loads the given paths into memory
func ReadFiles(paths []string, origin string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", path, err)
		}
		files = append(files, File{
			Name:   filepath.Base(path),
			Data:   data,
			Origin: origin,
		})
	}
	return files, nil
}

// Fingerprints maps every path to a digest of its name, size and modification time
func Fingerprints(paths []string) (map[string]string, error) {
	result := make(map[string]string, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error reading file info for %s: %w", path, err)
		}
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", filepath.Base(path), info.Size(), info.ModTime().UnixNano())))
		result[path] = hex.EncodeToString(sum[:])
	}
	return result, nil
}

// SetLogLevel sets the logging level for the knowledge package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
