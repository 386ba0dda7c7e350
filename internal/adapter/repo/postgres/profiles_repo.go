package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// ProfileRepo persists report profiles. Profiles are validated at the
// boundary so silently-invalid enum values cannot reach the generator.
type ProfileRepo struct {
	Pool     PgxPool
	validate *validator.Validate
}

// NewProfileRepo constructs a ProfileRepo with the given pool.
func NewProfileRepo(p PgxPool) *ProfileRepo {
	return &ProfileRepo{Pool: p, validate: validator.New()}
}

const profileColumns = `id, name, enabled, cron, window_hours, COALESCE(timezone,''), include_tags, exclude_tags, include_author_tags, exclude_author_tags,
	min_importance, verdicts, group_by, ai_filter_enabled, COALESCE(ai_filter_prompt,''), ai_filter_max_keep, created_at, updated_at`

func scanProfile(row pgx.Row) (domain.ReportProfile, error) {
	var p domain.ReportProfile
	var verdicts []string
	err := row.Scan(&p.ID, &p.Name, &p.Enabled, &p.Cron, &p.WindowHours, &p.Timezone, &p.IncludeTags, &p.ExcludeTags, &p.IncludeAuthorTags, &p.ExcludeAuthorTags,
		&p.MinImportance, &verdicts, &p.GroupBy, &p.AIFilterEnabled, &p.AIFilterPrompt, &p.AIFilterMaxKeepPerChunk, &p.CreatedAt, &p.UpdatedAt)
	for _, v := range verdicts {
		p.Verdicts = append(p.Verdicts, domain.Verdict(v))
	}
	return p, err
}

// Get loads a profile by id.
func (r *ProfileRepo) Get(ctx domain.Context, id string) (domain.ReportProfile, error) {
	p, err := scanProfile(r.Pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM report_profiles WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReportProfile{}, fmt.Errorf("op=profile.get: %w", domain.ErrNotFound)
		}
		return domain.ReportProfile{}, fmt.Errorf("op=profile.get: %w", err)
	}
	return p, nil
}

// ListEnabled returns all enabled profiles.
func (r *ProfileRepo) ListEnabled(ctx domain.Context) ([]domain.ReportProfile, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+profileColumns+` FROM report_profiles WHERE enabled ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=profile.list_enabled: %w", err)
	}
	defer rows.Close()
	var out []domain.ReportProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("op=profile.list_enabled: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert validates and writes a profile.
func (r *ProfileRepo) Upsert(ctx domain.Context, p domain.ReportProfile) (domain.ReportProfile, error) {
	if err := r.validate.Struct(p); err != nil {
		return domain.ReportProfile{}, fmt.Errorf("op=profile.upsert: %w: %w", domain.ErrInvalidArgument, err)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	verdicts := make([]string, 0, len(p.Verdicts))
	for _, v := range p.Verdicts {
		verdicts = append(verdicts, string(v))
	}
	now := time.Now().UTC()
	q := `INSERT INTO report_profiles (id, name, enabled, cron, window_hours, timezone, include_tags, exclude_tags, include_author_tags, exclude_author_tags,
		min_importance, verdicts, group_by, ai_filter_enabled, ai_filter_prompt, ai_filter_max_keep, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
	ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, enabled=EXCLUDED.enabled, cron=EXCLUDED.cron, window_hours=EXCLUDED.window_hours, timezone=EXCLUDED.timezone,
		include_tags=EXCLUDED.include_tags, exclude_tags=EXCLUDED.exclude_tags, include_author_tags=EXCLUDED.include_author_tags, exclude_author_tags=EXCLUDED.exclude_author_tags,
		min_importance=EXCLUDED.min_importance, verdicts=EXCLUDED.verdicts, group_by=EXCLUDED.group_by, ai_filter_enabled=EXCLUDED.ai_filter_enabled,
		ai_filter_prompt=EXCLUDED.ai_filter_prompt, ai_filter_max_keep=EXCLUDED.ai_filter_max_keep, updated_at=EXCLUDED.updated_at
	RETURNING ` + profileColumns
	out, err := scanProfile(r.Pool.QueryRow(ctx, q, p.ID, p.Name, p.Enabled, p.Cron, p.WindowHours, p.Timezone, p.IncludeTags, p.ExcludeTags, p.IncludeAuthorTags, p.ExcludeAuthorTags,
		p.MinImportance, verdicts, p.GroupBy, p.AIFilterEnabled, p.AIFilterPrompt, p.AIFilterMaxKeepPerChunk, now))
	if err != nil {
		return domain.ReportProfile{}, fmt.Errorf("op=profile.upsert: %w", err)
	}
	return out, nil
}
