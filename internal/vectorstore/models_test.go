package vectorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunkID(t *testing.T) {
	assert.Equal(t, "filing:AAPL-10K-2025:0000", ChunkID("filing", "AAPL-10K-2025", 0))
	assert.Equal(t, "news:reuters-123:0012", ChunkID("news", "reuters-123", 12))

	// Zero padding keeps ids of one document in chunk order.
	assert.Less(t, ChunkID("filing", "doc", 2), ChunkID("filing", "doc", 10))
}

func TestFilterMatches(t *testing.T) {
	rec := ChunkRecord{
		ID:           ChunkID("filing", "AAPL-10K-2025", 0),
		DocumentKind: "filing",
		DocumentID:   "AAPL-10K-2025",
		EntityKey:    "AAPL",
		SourceDate:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter matches everything", Filter{}, true},
		{"kind match", Filter{DocumentKinds: []string{"filing"}}, true},
		{"kind in list", Filter{DocumentKinds: []string{"news", "filing"}}, true},
		{"kind mismatch", Filter{DocumentKinds: []string{"news"}}, false},
		{"document id match", Filter{DocumentID: "AAPL-10K-2025"}, true},
		{"document id mismatch", Filter{DocumentID: "MSFT-10K-2025"}, false},
		{"entity match", Filter{EntityKey: "AAPL"}, true},
		{"entity mismatch", Filter{EntityKey: "MSFT"}, false},
		{
			"inside date window",
			Filter{
				DateFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				DateTo:   time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
			},
			true,
		},
		{
			"before date window",
			Filter{DateFrom: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
			false,
		},
		{
			"after date window",
			Filter{DateTo: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
			false,
		},
		{"excluded document", Filter{ExcludeDocumentID: "AAPL-10K-2025"}, false},
		{"exclusion of other document passes", Filter{ExcludeDocumentID: "MSFT-10K-2025"}, true},
		{
			"all constraints together",
			Filter{
				DocumentKinds: []string{"filing"},
				EntityKey:     "AAPL",
				DateFrom:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(&rec))
		})
	}
}

func TestFilterIsZero(t *testing.T) {
	assert.True(t, Filter{}.IsZero())
	assert.False(t, Filter{EntityKey: "AAPL"}.IsZero())
	assert.False(t, Filter{DateFrom: time.Now()}.IsZero())
	assert.False(t, Filter{ExcludeDocumentID: "x"}.IsZero())
}
