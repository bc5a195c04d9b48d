package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/pixelvault/pixelvault/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service handles device enrollment and token validation
type Service struct {
	db     *common.Database
	config *config.AuthConfig
}

// NewService creates a new authentication service
func NewService(db *common.Database, config *config.AuthConfig) *Service {
	return &Service{
		db:     db,
		config: config,
	}
}

// Enroll registers a device and issues its JWT. The caller must present
// the shared enrollment key, verified against the configured bcrypt
// hash.
func (s *Service) Enroll(ctx context.Context, req *types.EnrollRequest) (*types.AuthToken, error) {
	if s.config.EnrollmentKeyHash == "" {
		return nil, fmt.Errorf("enrollment disabled: no enrollment key configured")
	}
	if !utils.CheckKey(req.EnrollmentKey, s.config.EnrollmentKeyHash) {
		return nil, fmt.Errorf("invalid enrollment key")
	}

	device := &types.Device{
		Name:     req.DeviceName,
		IsActive: true,
	}
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	token, err := utils.GenerateJWT(device.ID, s.config.JWTSecret, s.config.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	log.Info().
		Str("device_id", device.ID.String()).
		Str("device_name", device.Name).
		Msg("device enrolled")

	return &types.AuthToken{
		Token:     token,
		ExpiresAt: time.Now().Add(s.config.JWTExpiration),
		DeviceID:  device.ID,
	}, nil
}

// ValidateToken verifies a device JWT and returns the active device
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*types.Device, error) {
	deviceID, err := utils.ValidateJWT(tokenString, s.config.JWTSecret)
	if err != nil {
		return nil, err
	}

	var device types.Device
	if err := s.db.WithContext(ctx).Where("id = ?", deviceID).First(&device).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("unknown device")
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	if !device.IsActive {
		return nil, fmt.Errorf("device is disabled")
	}

	// Best-effort liveness bookkeeping
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&device).Update("last_seen_at", &now).Error; err != nil {
		log.Debug().Err(err).Str("device_id", deviceID.String()).Msg("failed to update last seen")
	}

	return &device, nil
}
