package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/covality-inc/covality-engine/pkg/models"
	"github.com/covality-inc/covality-engine/pkg/repositories"
)

// FrameworkCatalog is the YAML document format for a control framework.
type FrameworkCatalog struct {
	Code        string            `yaml:"code"`
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Categories  []CatalogCategory `yaml:"categories"`
}

// CatalogCategory is one category in a framework catalog. Parent, when set,
// references another category's code in the same document.
type CatalogCategory struct {
	Code     string           `yaml:"code"`
	Name     string           `yaml:"name"`
	Parent   string           `yaml:"parent"`
	Controls []CatalogControl `yaml:"controls"`
}

// CatalogControl is one control in a framework catalog.
type CatalogControl struct {
	Code        string `yaml:"code"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// FrameworkImportService loads framework catalog YAML files into the reference
// tables. Imports are idempotent upserts keyed by (code, version).
type FrameworkImportService interface {
	ImportFile(ctx context.Context, path string) (*models.Framework, error)
	// ImportDir imports every .yaml/.yml file in dir. A bad file fails the
	// whole import.
	ImportDir(ctx context.Context, dir string) error
}

type frameworkImportService struct {
	repo   repositories.FrameworkRepository
	logger *zap.Logger
}

// NewFrameworkImportService creates a new FrameworkImportService.
func NewFrameworkImportService(repo repositories.FrameworkRepository, logger *zap.Logger) FrameworkImportService {
	return &frameworkImportService{
		repo:   repo,
		logger: logger.Named("framework-import"),
	}
}

var _ FrameworkImportService = (*frameworkImportService)(nil)

func (s *frameworkImportService) ImportFile(ctx context.Context, path string) (*models.Framework, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var catalog FrameworkCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if err := catalog.validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}

	fw := &models.Framework{
		Code:        catalog.Code,
		Name:        catalog.Name,
		Version:     catalog.Version,
		Description: catalog.Description,
	}
	if err := s.repo.UpsertFramework(ctx, fw); err != nil {
		return nil, err
	}

	categoryIDs := make(map[string]uuid.UUID, len(catalog.Categories))

	// First pass: categories without parents, so parent references resolve in
	// the second pass regardless of document order.
	for pass := 0; pass < 2; pass++ {
		for i, cc := range catalog.Categories {
			hasParent := cc.Parent != ""
			if (pass == 0) == hasParent {
				continue
			}
			cat := &models.Category{
				FrameworkID: fw.ID,
				Code:        cc.Code,
				Name:        cc.Name,
				SortOrder:   i,
			}
			if hasParent {
				parentID, ok := categoryIDs[cc.Parent]
				if !ok {
					return nil, fmt.Errorf("category %s references unknown parent %s", cc.Code, cc.Parent)
				}
				cat.ParentID = &parentID
			}
			if err := s.repo.UpsertCategory(ctx, cat); err != nil {
				return nil, err
			}
			categoryIDs[cc.Code] = cat.ID
		}
	}

	controlCount := 0
	sortOrder := 0
	for _, cc := range catalog.Categories {
		categoryID := categoryIDs[cc.Code]
		for _, ctrl := range cc.Controls {
			if err := s.repo.UpsertControl(ctx, &models.Control{
				FrameworkID: fw.ID,
				CategoryID:  categoryID,
				Code:        ctrl.Code,
				Title:       ctrl.Title,
				Description: ctrl.Description,
				SortOrder:   sortOrder,
			}); err != nil {
				return nil, err
			}
			sortOrder++
			controlCount++
		}
	}

	s.logger.Info("Framework catalog imported",
		zap.String("code", fw.Code),
		zap.String("version", fw.Version),
		zap.Int("categories", len(catalog.Categories)),
		zap.Int("controls", controlCount))
	return fw, nil
}

func (s *frameworkImportService) ImportDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read catalog dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if _, err := s.ImportFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (c *FrameworkCatalog) validate() error {
	if c.Code == "" {
		return fmt.Errorf("framework code is required")
	}
	if c.Name == "" {
		return fmt.Errorf("framework name is required")
	}
	if c.Version == "" {
		return fmt.Errorf("framework version is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("framework has no categories")
	}

	seenCategories := make(map[string]bool, len(c.Categories))
	seenControls := make(map[string]bool)
	for _, cat := range c.Categories {
		if cat.Code == "" {
			return fmt.Errorf("category code is required")
		}
		if seenCategories[cat.Code] {
			return fmt.Errorf("duplicate category code %s", cat.Code)
		}
		seenCategories[cat.Code] = true
		for _, ctrl := range cat.Controls {
			if ctrl.Code == "" {
				return fmt.Errorf("control code is required (category %s)", cat.Code)
			}
			if seenControls[ctrl.Code] {
				return fmt.Errorf("duplicate control code %s", ctrl.Code)
			}
			seenControls[ctrl.Code] = true
		}
	}
	return nil
}
