package patron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/shelfstatus/internal/model"
)

// ProfileSource は目録上の利用者情報の取得元。
type ProfileSource interface {
	GetProfile(ctx context.Context, patronID string) (model.PatronProfile, error)
}

// PreferenceStore は利用者ごとの図書館設定の保存先。
type PreferenceStore interface {
	GetPreferences(ctx context.Context, patronID string) (model.LibraryPreferences, error)
	SavePreferences(ctx context.Context, patronID string, prefs model.LibraryPreferences) error
}

// PickupValidator は受取館コードの有効性を判定する。
type PickupValidator interface {
	IsPickupLocation(ctx context.Context, code string) (bool, error)
}

// ProfileService は利用者プロファイルを組み立てる。
type ProfileService struct {
	source ProfileSource
	prefs  PreferenceStore
	pickup PickupValidator
	logger *slog.Logger
}

// NewProfileService はProfileServiceを生成する。
func NewProfileService(source ProfileSource, prefs PreferenceStore, pickup PickupValidator, logger *slog.Logger) *ProfileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileService{source: source, prefs: prefs, pickup: pickup, logger: logger}
}

// Get は目録の利用者情報にローカルの図書館設定を重ね、受取館として無効なコードを空にする。
func (s *ProfileService) Get(ctx context.Context, patron model.Patron) (model.PatronProfile, error) {
	p, err := s.source.GetProfile(ctx, patron.PatronID)
	if err != nil {
		return model.PatronProfile{}, err
	}
	if p.Barcode == "" {
		p.Barcode = patron.Barcode
	}

	prefs, err := s.prefs.GetPreferences(ctx, patron.PatronID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.PatronProfile{}, fmt.Errorf("図書館設定の取得に失敗しました: %w", err)
	}
	if prefs.PreferredLibraryCode != "" {
		p.PreferredLibraryCode = prefs.PreferredLibraryCode
	}
	if prefs.AlternateLibraryCode != "" {
		p.AlternateLibraryCode = prefs.AlternateLibraryCode
	}

	if p.PreferredLibraryCode, err = s.validOrEmpty(ctx, p.PreferredLibraryCode); err != nil {
		return model.PatronProfile{}, err
	}
	if p.AlternateLibraryCode, err = s.validOrEmpty(ctx, p.AlternateLibraryCode); err != nil {
		return model.PatronProfile{}, err
	}
	return p, nil
}

func (s *ProfileService) validOrEmpty(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", nil
	}
	ok, err := s.pickup.IsPickupLocation(ctx, code)
	if err != nil {
		return "", err
	}
	if !ok {
		s.logger.Info("無効な受取館コードを破棄しました", slog.String("library_code", code))
		return "", nil
	}
	return code, nil
}

// ChangePreferredLibrary は受取館コードを検証してから保存する。
func (s *ProfileService) ChangePreferredLibrary(ctx context.Context, patron model.Patron, prefs model.LibraryPreferences) error {
	if prefs.PreferredLibraryCode == "" {
		return model.NewValidationFailureError("preferred library is required")
	}
	for _, code := range []string{prefs.PreferredLibraryCode, prefs.AlternateLibraryCode} {
		if code == "" {
			continue
		}
		ok, err := s.pickup.IsPickupLocation(ctx, code)
		if err != nil {
			return err
		}
		if !ok {
			return model.NewValidationFailureError(fmt.Sprintf("%s is not a pickup location", code))
		}
	}
	return s.prefs.SavePreferences(ctx, patron.PatronID, prefs)
}

// ChangePreferredLibrary は設定を保存し、キャッシュ済みのプロファイルを捨てる。
func (m *Manager) ChangePreferredLibrary(ctx context.Context, patron model.Patron, prefs model.LibraryPreferences) error {
	if err := m.profiles.ChangePreferredLibrary(ctx, patron, prefs); err != nil {
		return err
	}
	m.ForgetProfile(ctx, patron)
	return nil
}
