// Package searchidx provides the in-memory hybrid index over task
// descriptions used by the extraction loop's search tools: BM25 over a
// mem-only bleve index plus cosine similarity over stored vectors, fused
// with reciprocal-rank fusion.
package searchidx

import (
	"math"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// Hit is one scored index entry.
type Hit struct {
	ID    string
	Text  string
	Score float64
	Rank  int
}

type docVec struct {
	id  string
	vec []float32
}

type indexedDoc struct {
	Text string `json:"text"`
}

// Index is insert-only and safe for concurrent readers.
type Index struct {
	mu      sync.RWMutex
	bleve   bleve.Index
	texts   map[string]string
	vectors []docVec
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{
		bleve: idx,
		texts: make(map[string]string),
	}, nil
}

// Add indexes a task description for keyword search.
func (x *Index) Add(id, text string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.texts[id] = text
	return x.bleve.Index(id, indexedDoc{Text: text})
}

// SetVector attaches an embedding to a previously added id.
func (x *Index) SetVector(id string, vec []float32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = append(x.vectors, docVec{id: id, vec: vec})
}

// Len reports how many documents have been added.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.texts)
}

// SearchKeyword runs a BM25 query and returns up to k hits.
func (x *Index) SearchKeyword(q string, k int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	x.mu.RLock()
	defer x.mu.RUnlock()
	res, err := x.bleve.Search(searchReq)
	if err != nil {
		return nil, err
	}
	var out []Hit
	for i, hit := range res.Hits {
		out = append(out, Hit{
			ID:    hit.ID,
			Text:  x.texts[hit.ID],
			Score: hit.Score,
			Rank:  i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// SearchVector ranks all stored vectors by cosine similarity against q.
func (x *Index) SearchVector(q []float32, k int) []Hit {
	x.mu.RLock()
	defer x.mu.RUnlock()
	type scored struct {
		id    string
		score float64
	}
	var scoreds []scored
	for _, v := range x.vectors {
		scoreds = append(scoreds, scored{id: v.id, score: cosine(q, v.vec)})
	}
	sort.Slice(scoreds, func(i, j int) bool { return scoreds[i].score > scoreds[j].score })
	var out []Hit
	for i, sc := range scoreds {
		out = append(out, Hit{
			ID:    sc.id,
			Text:  x.texts[sc.id],
			Score: sc.score,
			Rank:  i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out
}

// Hybrid fuses a keyword search and a vector search over the same query with
// reciprocal-rank fusion. A nil vector degrades to keyword-only.
func (x *Index) Hybrid(q string, vec []float32, k int) ([]Hit, error) {
	kw, err := x.SearchKeyword(q, k)
	if err != nil {
		return nil, err
	}
	if vec == nil {
		return kw, nil
	}
	vs := x.SearchVector(vec, k)
	return fuseRRF(kw, vs, k), nil
}

func fuseRRF(a, b []Hit, k int) []Hit {
	type agg struct {
		item  Hit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []Hit) {
		for _, h := range list {
			x, ok := m[h.ID]
			if !ok {
				m[h.ID] = &agg{item: h}
				x = m[h.ID]
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)
	items := make([]agg, 0, len(m))
	for _, v := range m {
		items = append(items, *v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })
	out := make([]Hit, 0, min(k, len(items)))
	for i := 0; i < min(k, len(items)); i++ {
		h := items[i].item
		h.Score = items[i].score
		h.Rank = i + 1
		out = append(out, h)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
