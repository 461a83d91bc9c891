package service

import (
	"context"

	"blocktalk/internal/models"
)

// Directory resolves user ids to profiles. The pipeline never validates
// identities; the directory only supplies display data and ledger refs.
type Directory interface {
	Lookup(ctx context.Context, id string) (models.Profile, error)
	List(ctx context.Context) ([]models.Profile, error)
}
