package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/common"
	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/pixelvault/pixelvault/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	wrapped := &common.Database{DB: db}
	require.NoError(t, wrapped.Migrate())
	return wrapped
}

func setupTestService(t *testing.T) *Service {
	hash, err := utils.HashKey("enrollment-secret", bcrypt.MinCost)
	require.NoError(t, err)

	return NewService(setupTestDB(t), &config.AuthConfig{
		JWTSecret:         "test-secret-key-for-testing-purposes",
		JWTExpiration:     time.Hour,
		EnrollmentKeyHash: hash,
		BCryptCost:        bcrypt.MinCost,
	})
}

func TestEnroll_Success(t *testing.T) {
	service := setupTestService(t)

	token, err := service.Enroll(context.Background(), &types.EnrollRequest{
		DeviceName:    "laptop",
		EnrollmentKey: "enrollment-secret",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, token.Token)
	assert.NotEqual(t, uuid.Nil, token.DeviceID)
	assert.True(t, token.ExpiresAt.After(time.Now()))
}

func TestEnroll_WrongKey(t *testing.T) {
	service := setupTestService(t)

	_, err := service.Enroll(context.Background(), &types.EnrollRequest{
		DeviceName:    "laptop",
		EnrollmentKey: "wrong",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid enrollment key")
}

func TestEnroll_DisabledWithoutKeyHash(t *testing.T) {
	service := NewService(setupTestDB(t), &config.AuthConfig{
		JWTSecret:     "secret",
		JWTExpiration: time.Hour,
	})

	_, err := service.Enroll(context.Background(), &types.EnrollRequest{
		DeviceName:    "laptop",
		EnrollmentKey: "anything",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrollment disabled")
}

func TestValidateToken_RoundTrip(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	token, err := service.Enroll(ctx, &types.EnrollRequest{
		DeviceName:    "laptop",
		EnrollmentKey: "enrollment-secret",
	})
	require.NoError(t, err)

	device, err := service.ValidateToken(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, token.DeviceID, device.ID)
	assert.Equal(t, "laptop", device.Name)

	// Liveness bookkeeping landed
	var row types.Device
	require.NoError(t, service.db.Where("id = ?", device.ID).First(&row).Error)
	assert.NotNil(t, row.LastSeenAt)
}

func TestValidateToken_UnknownDevice(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	// A token signed with our secret for a device that was never enrolled
	token, err := utils.GenerateJWT(uuid.New(), "test-secret-key-for-testing-purposes", time.Hour)
	require.NoError(t, err)

	_, err = service.ValidateToken(ctx, token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device")
}

func TestValidateToken_DisabledDevice(t *testing.T) {
	service := setupTestService(t)
	ctx := context.Background()

	token, err := service.Enroll(ctx, &types.EnrollRequest{
		DeviceName:    "laptop",
		EnrollmentKey: "enrollment-secret",
	})
	require.NoError(t, err)

	err = service.db.Model(&types.Device{}).
		Where("id = ?", token.DeviceID).
		Update("is_active", false).Error
	require.NoError(t, err)

	_, err = service.ValidateToken(ctx, token.Token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device is disabled")
}

func TestValidateToken_Garbage(t *testing.T) {
	service := setupTestService(t)

	_, err := service.ValidateToken(context.Background(), "not.a.token")
	assert.Error(t, err)
}
