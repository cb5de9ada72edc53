// Package query is the identifier-based read facade. Callers hold file
// and candidate ids, never raw paths; path resolution and disk access stay
// inside, bounded by the read-only filesystem capability.
package query

import (
	"fmt"
	"io"
	"path/filepath"

	"lodestone/internal/fsread"
	"lodestone/internal/logging"
	"lodestone/internal/store"
	"lodestone/internal/types"
)

type Service struct {
	store *store.Store
	fs    *fsread.FS
}

func New(st *store.Store, fs *fsread.FS) *Service {
	return &Service{store: st, fs: fs}
}

// GetFile returns one inventory entry by id.
func (s *Service) GetFile(id int64) (*types.FileEntry, error) {
	return s.store.GetFile(id)
}

// GetContent returns the extracted summary for a file, nil when the file
// has not been extracted.
func (s *Service) GetContent(id int64) (*types.ContentSummary, error) {
	return s.store.GetContent(id)
}

// Related is one hop in a relationship traversal.
type Related struct {
	File     *types.FileEntry
	Edge     *types.Edge
	Distance int
}

// FindRelated walks current edges from a file, in both directions, up to
// depth hops. An empty relations filter follows every relation kind.
func (s *Service) FindRelated(id int64, relations []types.Relation, depth int) ([]Related, error) {
	if depth < 1 {
		depth = 1
	}
	wanted := make(map[types.Relation]bool, len(relations))
	for _, r := range relations {
		wanted[r] = true
	}

	seen := map[int64]bool{id: true}
	frontier := []int64{id}
	var out []Related

	for dist := 1; dist <= depth && len(frontier) > 0; dist++ {
		var next []int64
		for _, fileID := range frontier {
			edges, err := s.store.ListEdgesForFile(fileID)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if len(wanted) > 0 && !wanted[e.Relation] {
					continue
				}
				other := e.SrcFileID
				if other == fileID {
					other = e.DstFileID
				}
				if seen[other] {
					continue
				}
				seen[other] = true
				f, err := s.store.GetFile(other)
				if err != nil {
					return nil, err
				}
				out = append(out, Related{File: f, Edge: e, Distance: dist})
				next = append(next, other)
			}
		}
		frontier = next
	}
	return out, nil
}

// ReadSnippet returns up to maxBytes of a file's raw content starting at
// offset, through the jailed filesystem. Missing files are refused; the
// inventory row outlives the file on disk.
func (s *Service) ReadSnippet(id int64, offset, maxBytes int64) ([]byte, error) {
	f, err := s.store.GetFile(id)
	if err != nil {
		return nil, err
	}
	if f.IsDir {
		return nil, fmt.Errorf("file %d is a directory", id)
	}
	if f.Missing {
		return nil, fmt.Errorf("file %d is missing from disk", id)
	}
	root, err := s.store.GetRoot(f.RootID)
	if err != nil {
		return nil, err
	}
	if maxBytes <= 0 || maxBytes > 1<<20 {
		maxBytes = 1 << 20
	}
	if offset < 0 {
		offset = 0
	}

	absPath := filepath.Join(root.RootPath, filepath.FromSlash(f.Path))
	rc, err := s.fs.Open(absPath, offset+maxBytes)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to seek snippet: %w", err)
		}
	}
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read snippet: %w", err)
	}
	logging.Get(logging.CategoryQuery).Debug("Snippet read: file=%d offset=%d bytes=%d", id, offset, n)
	return buf[:n], nil
}

// Search runs a full-text query over extracted documents.
func (s *Service) Search(q string, limit int) ([]store.SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.Search(q, limit)
}

// CandidateQueue returns candidates awaiting a decision in the given
// state, strongest first.
func (s *Service) CandidateQueue(status types.CandidateStatus, limit int) ([]*types.Candidate, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListCandidatesByStatus(status, limit)
}

// Stats combines database counts with per-strategy candidate outcomes.
type Stats struct {
	Store      *store.Stats
	Strategies []store.StrategyPerformance
}

func (s *Service) Stats() (*Stats, error) {
	dbStats, err := s.store.GetStats()
	if err != nil {
		return nil, err
	}
	strategies, err := s.store.StrategyStats()
	if err != nil {
		return nil, err
	}
	return &Stats{Store: dbStats, Strategies: strategies}, nil
}
