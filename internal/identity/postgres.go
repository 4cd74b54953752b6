package identity

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/example/companion-matching/internal/models"
)

type PostgresLookup struct {
	db *sql.DB
}

func NewPostgresLookup(dsn string) (*PostgresLookup, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLookup{db: db}, nil
}

func (p *PostgresLookup) GetProfiles(ctx context.Context, ids []string) (map[string]models.Profile, error) {
	if len(ids) == 0 {
		return map[string]models.Profile{}, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, display_name, cohort_tag, contact_ref FROM travelers WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.Profile, len(ids))
	for rows.Next() {
		var pr models.Profile
		if err := rows.Scan(&pr.TravelerID, &pr.DisplayName, &pr.CohortTag, &pr.ContactRef); err != nil {
			return nil, err
		}
		out[pr.TravelerID] = pr
	}
	return out, rows.Err()
}

func (p *PostgresLookup) Close() error { return p.db.Close() }
