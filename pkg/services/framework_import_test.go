package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// recordingFrameworkRepo captures upserts for catalog import tests.
type recordingFrameworkRepo struct {
	frameworks []*models.Framework
	categories []*models.Category
	controls   []*models.Control
}

func (r *recordingFrameworkRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	return nil, apperrors.ErrNotFound
}
func (r *recordingFrameworkRepo) GetByCode(ctx context.Context, code, version string) (*models.Framework, error) {
	return nil, apperrors.ErrNotFound
}
func (r *recordingFrameworkRepo) List(ctx context.Context) ([]*models.Framework, error) {
	return r.frameworks, nil
}
func (r *recordingFrameworkRepo) ListControls(ctx context.Context, frameworkID uuid.UUID) ([]*models.ControlWithCategory, error) {
	return nil, nil
}
func (r *recordingFrameworkRepo) UpsertFramework(ctx context.Context, fw *models.Framework) error {
	if fw.ID == uuid.Nil {
		fw.ID = uuid.New()
	}
	r.frameworks = append(r.frameworks, fw)
	return nil
}
func (r *recordingFrameworkRepo) UpsertCategory(ctx context.Context, cat *models.Category) error {
	if cat.ID == uuid.Nil {
		cat.ID = uuid.New()
	}
	r.categories = append(r.categories, cat)
	return nil
}
func (r *recordingFrameworkRepo) UpsertControl(ctx context.Context, ctrl *models.Control) error {
	if ctrl.ID == uuid.Nil {
		ctrl.ID = uuid.New()
	}
	r.controls = append(r.controls, ctrl)
	return nil
}

const sampleCatalog = `code: cmmc
name: CMMC Level 2
version: "2.0"
description: Cybersecurity Maturity Model Certification
categories:
  - code: AC
    name: Access Control
    controls:
      - code: AC.L2-3.1.1
        title: Authorized Access Control
        description: Limit system access to authorized users.
      - code: AC.L2-3.1.2
        title: Transaction & Function Control
        description: Limit access to permitted transactions.
  - code: AC.REMOTE
    name: Remote Access
    parent: AC
    controls:
      - code: AC.L2-3.1.12
        title: Control Remote Access
        description: Monitor and control remote access sessions.
`

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportFile(t *testing.T) {
	repo := &recordingFrameworkRepo{}
	svc := NewFrameworkImportService(repo, zap.NewNop())

	path := writeCatalog(t, t.TempDir(), "cmmc.yaml", sampleCatalog)
	fw, err := svc.ImportFile(context.Background(), path)

	require.NoError(t, err)
	assert.Equal(t, "cmmc", fw.Code)
	assert.Equal(t, "2.0", fw.Version)

	require.Len(t, repo.categories, 2)
	require.Len(t, repo.controls, 3)

	// Child category resolves its parent's ID.
	var remote *models.Category
	for _, c := range repo.categories {
		if c.Code == "AC.REMOTE" {
			remote = c
		}
	}
	require.NotNil(t, remote)
	require.NotNil(t, remote.ParentID)
	assert.Equal(t, repo.categories[0].ID, *remote.ParentID)

	// Controls receive increasing sort order across categories.
	assert.Equal(t, 0, repo.controls[0].SortOrder)
	assert.Equal(t, 1, repo.controls[1].SortOrder)
	assert.Equal(t, 2, repo.controls[2].SortOrder)
}

func TestImportFile_UnknownParent(t *testing.T) {
	repo := &recordingFrameworkRepo{}
	svc := NewFrameworkImportService(repo, zap.NewNop())

	catalog := `code: x
name: X
version: "1"
categories:
  - code: A
    name: A
    parent: MISSING
    controls:
      - code: A-1
        title: T
`
	path := writeCatalog(t, t.TempDir(), "bad.yaml", catalog)
	_, err := svc.ImportFile(context.Background(), path)

	assert.ErrorContains(t, err, "unknown parent")
}

func TestImportFile_RejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
		wantErr string
	}{
		{
			name:    "missing code",
			catalog: "name: X\nversion: \"1\"\ncategories:\n  - code: A\n    name: A\n",
			wantErr: "framework code is required",
		},
		{
			name:    "no categories",
			catalog: "code: x\nname: X\nversion: \"1\"\n",
			wantErr: "no categories",
		},
		{
			name: "duplicate control code",
			catalog: `code: x
name: X
version: "1"
categories:
  - code: A
    name: A
    controls:
      - code: A-1
        title: T
      - code: A-1
        title: T2
`,
			wantErr: "duplicate control code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &recordingFrameworkRepo{}
			svc := NewFrameworkImportService(repo, zap.NewNop())

			path := writeCatalog(t, t.TempDir(), "catalog.yaml", tt.catalog)
			_, err := svc.ImportFile(context.Background(), path)

			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestImportDir(t *testing.T) {
	repo := &recordingFrameworkRepo{}
	svc := NewFrameworkImportService(repo, zap.NewNop())

	dir := t.TempDir()
	writeCatalog(t, dir, "cmmc.yaml", sampleCatalog)
	writeCatalog(t, dir, "notes.txt", "not a catalog")

	require.NoError(t, svc.ImportDir(context.Background(), dir))
	assert.Len(t, repo.frameworks, 1)
}
