package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
)

// vectorFile is the on-disk layout of the embedding index built offline.
type vectorFile struct {
	Dimension int         `json:"dimension"`
	Vectors   [][]float32 `json:"vectors"`
}

// LoadDocuments reads the document list written by the ingestion pipeline.
func LoadDocuments(path string) ([]Document, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parse documents %s: %w", path, err)
	}
	for i, d := range docs {
		if err := d.validate(i); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// LoadCorpus reads the parallel documents and vectors files and returns the
// documents together with a FlatIndex over their embeddings. The two files are
// positionally coupled: vector i embeds document i.
func LoadCorpus(documentsPath, vectorsPath string) ([]Document, *FlatIndex, error) {
	docs, err := LoadDocuments(documentsPath)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(vectorsPath) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, nil, fmt.Errorf("read vectors: %w", err)
	}
	var vf vectorFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, nil, fmt.Errorf("parse vectors %s: %w", vectorsPath, err)
	}

	if len(vf.Vectors) != len(docs) {
		return nil, nil, fmt.Errorf("corpus mismatch: %d vectors for %d documents", len(vf.Vectors), len(docs))
	}
	for i, v := range vf.Vectors {
		if vf.Dimension > 0 && len(v) != vf.Dimension {
			return nil, nil, fmt.Errorf("vector %d has dimension %d, header says %d", i, len(v), vf.Dimension)
		}
	}

	idx, err := NewFlatIndex(vf.Vectors)
	if err != nil {
		return nil, nil, err
	}
	return docs, idx, nil
}
