package postgres

import (
	"context"
	"encoding/json"

	"github.com/cafeauto/backbone/internal/domain/template"
)

func (s *Store) GetTemplate(ctx context.Context, id string) (template.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, target_board_key, subject_pattern, body_pattern, images, fixed_fields
		FROM templates WHERE id = $1
	`, id)
	return scanTemplate(row)
}

func scanTemplate(row rowScanner) (template.Template, error) {
	var (
		t           template.Template
		imagesRaw   []byte
		fixedFields []byte
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.TargetBoardKey, &t.SubjectPattern, &t.BodyPattern, &imagesRaw, &fixedFields); err != nil {
		return template.Template{}, err
	}
	if len(imagesRaw) > 0 {
		if err := json.Unmarshal(imagesRaw, &t.Images); err != nil {
			return template.Template{}, err
		}
	}
	if len(fixedFields) > 0 {
		if err := json.Unmarshal(fixedFields, &t.FixedFields); err != nil {
			return template.Template{}, err
		}
	}
	return t, nil
}
