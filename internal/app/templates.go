package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"go.uber.org/zap"
)

const maxTemplateNameLength = 128

// CreateTemplate saves an immutable recipient/amount blueprint owned by creator.
// It validates like CreatePayout but moves no funds.
func (s *Service) CreateTemplate(ctx context.Context, creator common.Address, req domain.CreateTemplateRequest) (*domain.Template, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: template name is required", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(name) > maxTemplateNameLength {
		return nil, fmt.Errorf("%w: template name exceeds %d characters", domain.ErrInvalidInput, maxTemplateNameLength)
	}
	asset, err := domain.ParseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	recipients, amounts, err := domain.ParseAllocations(req.Recipients, req.Amounts)
	if err != nil {
		return nil, err
	}
	total, err := domain.ValidateAllocations(recipients, amounts)
	if err != nil {
		return nil, err
	}

	template := domain.Template{
		ID:          uuid.New(),
		Creator:     creator,
		Name:        name,
		Asset:       asset,
		Recipients:  recipients,
		Amounts:     amounts,
		TotalAmount: total,
		CreatedAt:   s.now(),
	}
	if err := s.repo.CreateTemplate(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to save template: %w", err)
	}

	s.logger.Info("template created",
		zap.String("template_id", template.ID.String()),
		zap.String("creator", creator.Hex()),
		zap.Int("recipient_count", len(recipients)))
	return &template, nil
}

// GetTemplate returns a template by id.
func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

// ListTemplates returns the templates owned by creator, oldest first.
func (s *Service) ListTemplates(ctx context.Context, creator common.Address) ([]domain.Template, error) {
	return s.repo.ListTemplatesByCreator(ctx, creator)
}

// CreatePayoutFromTemplate materializes a template into a new payout. Only the
// template owner may do this.
func (s *Service) CreatePayoutFromTemplate(ctx context.Context, caller common.Address, templateID uuid.UUID, req domain.CreatePayoutFromTemplateRequest) (*domain.Payout, error) {
	template, err := s.repo.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if template.Creator != caller {
		return nil, fmt.Errorf("%w: template %s belongs to another creator", domain.ErrForbidden, templateID)
	}

	title := req.Title
	if strings.TrimSpace(title) == "" {
		title = template.Name
	}

	return s.CreatePayout(ctx, caller, domain.PayoutSpec{
		Asset:      template.Asset,
		Recipients: append([]common.Address(nil), template.Recipients...),
		Amounts:    append(template.Amounts[:0:0], template.Amounts...),
		Title:      title,
		PayoutType: domain.PayoutType(req.PayoutType),
	})
}
