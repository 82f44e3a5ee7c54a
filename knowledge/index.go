package knowledge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/textsplitter"
	"gorm.io/gorm"
)

// Chunk is a piece of a document stored in the knowledge_chunks table
type Chunk struct {
	ID        uint   `gorm:"primaryKey"`
	Source    string `gorm:"size:512;index;not null"` // File name the chunk was cut from
	Origin    string `gorm:"size:32;index;not null"`  // knowledge_base or upload
	Position  int    `gorm:"not null"`                // Order of the chunk within its source
	Content   string `gorm:"type:text;not null"`
	Embedding []byte // Little-endian float32 vector, empty without an embedder
	CreatedAt time.Time
}

// TableName overrides the gorm default
func (Chunk) TableName() string {
	return "knowledge_chunks"
}

// Excerpt is a search hit
type Excerpt struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Index stores document chunks in SQLite and ranks them against questions.
// With an embedder chunks are ranked by cosine similarity, otherwise by term overlap.
type Index struct {
	db       *gorm.DB
	embedder embeddings.Embedder
	splitter textsplitter.TextSplitter
}

// Default chunking parameters
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 150
)

// NewIndex migrates the chunk table and returns an index backed by db.
// embedder may be nil.
func NewIndex(db *gorm.DB, embedder embeddings.Embedder, chunkSize, chunkOverlap int) (*Index, error) {
	if err := db.AutoMigrate(&Chunk{}); err != nil {
		return nil, fmt.Errorf("failed to migrate knowledge chunks: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Index{
		db:       db,
		embedder: embedder,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}, nil
}

// Add replaces the chunks of source with the chunks of text. It returns the number of chunks stored.
func (idx *Index) Add(ctx context.Context, source, origin, text string) (int, error) {
	rows, err := idx.chunk(ctx, source, origin, text)
	if err != nil {
		return 0, err
	}

	err = idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source = ? AND origin = ?", source, origin).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return insertChunks(tx, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("error storing chunks for %s: %w", source, err)
	}

	log.WithFields(logrus.Fields{
		"source": source,
		"origin": origin,
		"chunks": len(rows),
	}).Debug("Indexed document")
	return len(rows), nil
}

// chunk splits text and embeds the pieces without touching the database
func (idx *Index) chunk(ctx context.Context, source, origin, text string) ([]Chunk, error) {
	parts, err := idx.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("error splitting %s: %w", source, err)
	}

	chunks := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			chunks = append(chunks, part)
		}
	}

	var vectors [][]float32
	if idx.embedder != nil && len(chunks) > 0 {
		vectors, err = idx.embedder.EmbedDocuments(ctx, chunks)
		if err != nil {
			return nil, fmt.Errorf("error embedding %s: %w", source, err)
		}
		if len(vectors) != len(chunks) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}
	}

	rows := make([]Chunk, len(chunks))
	for i, content := range chunks {
		rows[i] = Chunk{
			Source:   source,
			Origin:   origin,
			Position: i,
			Content:  content,
		}
		if vectors != nil {
			rows[i].Embedding = encodeVector(vectors[i])
		}
	}
	return rows, nil
}

func insertChunks(tx *gorm.DB, rows []Chunk) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, 100).Error
}

// AddFile extracts the text of f and indexes it
func (idx *Index) AddFile(ctx context.Context, f File) (int, error) {
	text, err := Extract(f.Name, f.Data)
	if err != nil {
		return 0, err
	}
	return idx.Add(ctx, f.Name, f.Origin, text)
}

// SyncKnowledgeBase replaces the knowledge base chunks with the documents in dir.
// Files that cannot be extracted are skipped and logged. The stored chunks are
// only replaced once at least one file was read, in a single transaction.
// It returns the number of files indexed.
func (idx *Index) SyncKnowledgeBase(ctx context.Context, dir string) (int, error) {
	paths, err := ListFiles(dir)
	if err != nil {
		return 0, err
	}
	files, err := ReadFiles(paths, OriginKnowledgeBase)
	if err != nil {
		return 0, err
	}

	var (
		rows    []Chunk
		indexed int
		skipped []error
	)
	for _, f := range files {
		text, err := Extract(f.Name, f.Data)
		if err == nil {
			var fileRows []Chunk
			fileRows, err = idx.chunk(ctx, f.Name, OriginKnowledgeBase, text)
			rows = append(rows, fileRows...)
		}
		if err != nil {
			log.WithError(err).WithField("file", f.Name).Warn("Skipping knowledge base file")
			skipped = append(skipped, err)
			continue
		}
		indexed++
	}
	if indexed == 0 && len(skipped) > 0 {
		return 0, fmt.Errorf("no knowledge base file could be indexed: %w", errors.Join(skipped...))
	}

	err = idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("origin = ?", OriginKnowledgeBase).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return insertChunks(tx, rows)
	})
	if err != nil {
		return 0, fmt.Errorf("error storing knowledge base chunks: %w", err)
	}

	log.WithFields(logrus.Fields{
		"files":   indexed,
		"skipped": len(skipped),
	}).Info("Knowledge base indexed")
	return indexed, nil
}

// Search returns up to k excerpts ranked against query
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Excerpt, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	var chunks []Chunk
	if err := idx.db.WithContext(ctx).Order("id").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("error loading chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	var scores []float64
	if idx.embedder != nil && hasEmbeddings(chunks) {
		queryVector, err := idx.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("error embedding query: %w", err)
		}
		scores = make([]float64, len(chunks))
		for i, c := range chunks {
			scores[i] = cosine(queryVector, decodeVector(c.Embedding))
		}
	} else {
		terms := tokenize(query)
		scores = make([]float64, len(chunks))
		for i, c := range chunks {
			scores[i] = overlapScore(terms, c.Content)
		}
	}

	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	excerpts := make([]Excerpt, 0, k)
	for _, i := range order {
		if len(excerpts) == k || scores[i] <= 0 {
			break
		}
		excerpts = append(excerpts, Excerpt{
			Source:  chunks[i].Source,
			Content: chunks[i].Content,
			Score:   scores[i],
		})
	}
	return excerpts, nil
}

// Count returns the number of chunks of the given origin, or of all chunks if origin is empty
func (idx *Index) Count(ctx context.Context, origin string) (int64, error) {
	var count int64
	q := idx.db.WithContext(ctx).Model(&Chunk{})
	if origin != "" {
		q = q.Where("origin = ?", origin)
	}
	err := q.Count(&count).Error
	return count, err
}

// Sources lists the distinct document names of an origin
func (idx *Index) Sources(ctx context.Context, origin string) ([]string, error) {
	var sources []string
	err := idx.db.WithContext(ctx).Model(&Chunk{}).
		Where("origin = ?", origin).
		Distinct("source").
		Order("source").
		Pluck("source", &sources).Error
	return sources, err
}

// RemoveSource deletes the chunks of one document
func (idx *Index) RemoveSource(ctx context.Context, source, origin string) error {
	return idx.db.WithContext(ctx).Where("source = ? AND origin = ?", source, origin).Delete(&Chunk{}).Error
}

// RemoveOrigin deletes every chunk of origin
func (idx *Index) RemoveOrigin(ctx context.Context, origin string) error {
	return idx.db.WithContext(ctx).Where("origin = ?", origin).Delete(&Chunk{}).Error
}

// Clear deletes all chunks
func (idx *Index) Clear(ctx context.Context) error {
	return idx.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Chunk{}).Error
}

func hasEmbeddings(chunks []Chunk) bool {
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return false
		}
	}
	return true
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "how": true, "what": true, "which": true,
	"are": true, "is": true, "to": true, "of": true, "in": true, "do": true, "my": true,
	"a": true, "an": true, "i": true, "can": true, "with": true, "our": true, "we": true,
}

func splitTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func tokenize(text string) []string {
	fields := splitTerms(text)
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// overlapScore counts the distinct query terms present as whole words in content, with a small bonus for repetitions
func overlapScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, word := range splitTerms(content) {
		counts[word]++
	}
	var score float64
	for _, term := range terms {
		n := counts[term]
		if n == 0 {
			continue
		}
		score += 1 + math.Log(float64(n))/10
	}
	return score / float64(len(terms))
}
