package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrEmptyQuery is returned for queries without any term.
var ErrEmptyQuery = errors.New("empty query")

// Hit is a matching document.
type Hit struct {
	Area        string            `json:"area"`
	ID          string            `json:"id"`
	ContentType string            `json:"content_type,omitempty"`
	Version     int64             `json:"version"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// ParseQuery turns a query string into posting terms. Words are ANDed;
// "field:word" restricts a word to a field; "area:name" and "type:name"
// filter on area and content type.
func ParseQuery(q string) []string {
	var terms []string
	for _, word := range strings.Fields(q) {
		field, value, qualified := strings.Cut(word, ":")
		if !qualified || field == "" {
			terms = append(terms, Tokenize(word)...)
			continue
		}

		switch field = strings.ToLower(field); field {
		case "area":
			terms = append(terms, "@area:"+value)
		case "type":
			terms = append(terms, "@type:"+strings.ToLower(value))
		default:
			for _, tok := range Tokenize(value) {
				terms = append(terms, field+":"+tok)
			}
		}
	}
	return terms
}

// Search returns up to limit live documents matching every term of query, in
// indexing order. A limit of zero or less means no limit.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	terms := ParseQuery(query)
	if len(terms) == 0 {
		return nil, ErrEmptyQuery
	}

	var hits []Hit
	err := ix.db.View(func(txn *badger.Txn) error {
		bitmaps := make([]*roaring.Bitmap, 0, len(terms))
		for _, term := range terms {
			bm, err := getPosting(txn, term)
			if err != nil {
				return err
			}
			if bm.IsEmpty() {
				return nil
			}
			bitmaps = append(bitmaps, bm)
		}

		matches := roaring.FastAnd(bitmaps...)
		it := matches.Iterator()
		for it.HasNext() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(hits) >= limit {
				break
			}

			item, err := txn.Get(slotKey(it.Next()))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			rec, err := getRecord(txn, string(key))
			if err != nil {
				return err
			}
			if rec == nil || rec.Deleted {
				continue
			}
			hits = append(hits, Hit{
				Area:        rec.Area,
				ID:          rec.ID,
				ContentType: rec.ContentType,
				Version:     rec.Version,
				Fields:      rec.Fields,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return hits, nil
}

// Searcher caches search results per commit generation. A result computed at
// one generation is never served after the index commits again, so
// Invalidate only releases memory.
type Searcher struct {
	ix    *Index
	cache *lru.Cache[string, []Hit]

	afterQuery func()
}

// DefaultCacheSize is the searcher cache size used for a non-positive size.
const DefaultCacheSize = 256

// NewSearcher creates a searcher caching up to size result sets.
func NewSearcher(ix *Index, size int) (*Searcher, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []Hit](size)
	if err != nil {
		return nil, fmt.Errorf("creating search cache: %w", err)
	}
	return &Searcher{ix: ix, cache: cache}, nil
}

// Search returns cached results or runs the query.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	// The generation is read before the query runs. A commit racing the
	// query files its result under the older generation, which no later
	// lookup uses.
	gen := s.ix.Generation()
	key := fmt.Sprintf("%d\x00%d\x00%s", gen, limit, strings.Join(ParseQuery(query), " "))
	if hits, ok := s.cache.Get(key); ok {
		return hits, nil
	}

	hits, err := s.ix.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if s.afterQuery != nil {
		s.afterQuery()
	}
	s.cache.Add(key, hits)
	return hits, nil
}

// Invalidate drops all cached results to free memory.
func (s *Searcher) Invalidate() {
	s.cache.Purge()
}

// Cached returns the number of cached result sets.
func (s *Searcher) Cached() int {
	return s.cache.Len()
}
