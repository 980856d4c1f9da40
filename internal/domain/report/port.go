package report

import "context"

// Repository port (interface untuk persistence)
type Repository interface {
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, project string, id RecordID) (*Record, error)
	Paginate(ctx context.Context, project string, page, pageSize int) ([]*Record, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	PutDocument(ctx context.Context, key string, body []byte, contentType string) (string, error)
}
