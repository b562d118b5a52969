package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-auth-service/internal/config"
	"crm-auth-service/internal/models"
	"crm-auth-service/internal/storage"
	"crm-auth-service/mocks"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:        "unit-secret",
		AccessTokenTTL:   30 * time.Second,
		RefreshTokenTTL:  24 * time.Hour,
		Issuer:           "crm-auth-service",
		Audience:         []string{"crm-api"},
		RefreshTxTimeout: 5 * time.Second,
		MaxFailedLogins:  3,
		LockDuration:     15 * time.Minute,
	}
}

func testResetCfg() config.ResetConfig {
	return config.ResetConfig{
		TokenTTL:    time.Hour,
		MaxPerDay:   5,
		GraceWindow: 24 * time.Hour,
	}
}

func newSvc(t *testing.T) (*Service, *mocks.MockStorage, *gomock.Controller) {
	t.Helper()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	svc := New(st, testCfg(), testResetCfg())
	return svc, st, ctrl
}

func mustHashPW(t *testing.T, pw string) string {
	t.Helper()
	h, err := hashPassword(pw)
	require.NoError(t, err)
	return h
}

func activeUser(t *testing.T, pw string) *models.User {
	t.Helper()
	return &models.User{
		ID:             uuid.New(),
		Email:          "user@example.com",
		OrganizationID: uuid.New(),
		PasswordHash:   mustHashPW(t, pw),
		IsActive:       true,
		TokenVersion:   1,
	}
}

func TestRegisterUser_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	ctx := context.Background()
	email := "User@Example.com"
	norm := "user@example.com"
	pw := "Abcdef1!"
	orgID := uuid.New()

	// Сначала UserByEmail → ErrNotFound, потом SaveUser, потом запись refresh-хэша.
	st.EXPECT().UserByEmail(gomock.Any(), norm).Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, u *models.User) error {
			require.Equal(t, norm, u.Email)
			require.Equal(t, orgID, u.OrganizationID)
			require.True(t, u.IsActive)
			require.EqualValues(t, 1, u.TokenVersion)
			require.True(t, checkPassword(u.PasswordHash, pw))
			return nil
		})
	st.EXPECT().StoreRefreshRotation(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, rot storage.RefreshRotation) error {
			require.False(t, rot.BumpTokenVersion)
			require.True(t, rot.TouchLastLogin)
			require.NotEmpty(t, rot.TokenHash)
			require.NotEmpty(t, rot.TokenVersion)
			return nil
		})

	tp, pub, err := svc.RegisterUser(ctx, email, pw, orgID)
	require.NoError(t, err)
	require.NotNil(t, pub)
	require.NotEqual(t, uuid.Nil, pub.ID)
	require.Equal(t, orgID, pub.OrganizationID)
	require.NotEmpty(t, tp.AccessToken)
	require.NotEmpty(t, tp.RefreshToken)

	require.WithinDuration(t, time.Now().Add(svc.cfg.AccessTokenTTL), tp.AccessExpiresAt, 2*time.Second)
}

func TestRegisterUser_InvalidEmail(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, _, err := svc.RegisterUser(context.Background(), "not-an-email", "Abcdef1!", uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidEmail)
}

func TestRegisterUser_WeakOrEmptyPassword(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, _, err := svc.RegisterUser(context.Background(), "u@e.com", "", uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEmptyPassword)

	_, _, err = svc.RegisterUser(context.Background(), "u@e.com", "short", uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrWeakPassword)

	// Длинный, но без спецсимвола.
	_, _, err = svc.RegisterUser(context.Background(), "u@e.com", "Abcdefg1", uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestRegisterUser_EmailAlreadyExists_OnLookup(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Если UserByEmail вернул пользователя (err == nil) - считается занятым email.
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(&models.User{ID: uuid.New(), Email: "user@example.com"}, nil)

	_, _, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterUser_SaveUserAlreadyExists_MapsToEmailTaken(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).
		Return(storage.ErrAlreadyExists)

	_, _, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", uuid.New())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterUser_StorageErrors_Propagated(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(nil, errors.New("db down"))

	_, _, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", uuid.New())
	require.Error(t, err)

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).
		Return(errors.New("insert failed"))

	_, _, err = svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", uuid.New())
	require.Error(t, err)
}

func TestLoginUser_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	ctx := context.Background()
	pw := "Abcdef1!"
	user := activeUser(t, pw)

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().StoreRefreshRotation(gomock.Any(), user.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, rot storage.RefreshRotation) error {
			require.False(t, rot.BumpTokenVersion)
			require.True(t, rot.TouchLastLogin)
			return nil
		})

	tp, pub, err := svc.LoginUser(ctx, user.Email, pw)
	require.NoError(t, err)
	require.Equal(t, user.ID, pub.ID)
	require.Equal(t, user.OrganizationID, pub.OrganizationID)
	require.NotEmpty(t, tp.AccessToken)
	require.NotEmpty(t, tp.RefreshToken)

	// Access-токен подписан текущей версией; guard примет его без ротации.
	claims, err := svc.ParseAccessToken(tp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.UserID)
	require.Equal(t, user.TokenVersion, claims.TokenVersion)
}

func TestLoginUser_InvalidEmail_OrEmptyPassword(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, _, err := svc.LoginUser(context.Background(), "bad", "Abcdef1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.LoginUser(context.Background(), "user@example.com", "")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUser_UserNotFound_OrWrongPassword(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(nil, storage.ErrNotFound)

	_, _, err := svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Неверный пароль инкрементирует счетчик неудачных попыток.
	user := activeUser(t, "Abcdef1!")
	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().RecordFailedLogin(gomock.Any(), user.ID, svc.cfg.MaxFailedLogins, gomock.Any()).Return(nil)

	_, _, err = svc.LoginUser(context.Background(), user.Email, "WRONG1!!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUser_InactiveAccount_SameErrorAsWrongPassword(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")
	user.IsActive = false

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)

	_, _, err := svc.LoginUser(context.Background(), user.Email, "Abcdef1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUser_LockedAccount(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")
	until := time.Now().UTC().Add(10 * time.Minute)
	user.LockedUntil = &until
	user.FailedLoginAttempts = svc.cfg.MaxFailedLogins

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)

	// Даже верный пароль не принимается, пока блокировка не истекла.
	_, _, err := svc.LoginUser(context.Background(), user.Email, "Abcdef1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAccountLocked)
}

func TestLoginUser_ExpiredLock_ClearsCounters(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")
	until := time.Now().UTC().Add(-time.Minute)
	user.LockedUntil = &until
	user.FailedLoginAttempts = 2

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().ResetFailedLogins(gomock.Any(), user.ID).Return(nil)
	st.EXPECT().StoreRefreshRotation(gomock.Any(), user.ID, gomock.Any()).Return(nil)

	_, _, err := svc.LoginUser(context.Background(), user.Email, "Abcdef1!")
	require.NoError(t, err)
}

func TestLoginUser_RotationPersistError_NoTokensReturned(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().StoreRefreshRotation(gomock.Any(), user.ID, gomock.Any()).
		Return(errors.New("write failed"))

	tp, pub, err := svc.LoginUser(context.Background(), user.Email, "Abcdef1!")
	require.Error(t, err)
	require.Nil(t, tp)
	require.Nil(t, pub)
}

func TestLogout_OK_AndError(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	userID := uuid.New()

	st.EXPECT().InvalidateTokens(gomock.Any(), userID).Return(nil)
	require.NoError(t, svc.Logout(context.Background(), userID))

	st.EXPECT().InvalidateTokens(gomock.Any(), userID).Return(errors.New("db down"))
	require.Error(t, svc.Logout(context.Background(), userID))
}

func TestInvalidateAllTokens_Idempotent(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	userID := uuid.New()

	// Повторный вызов проходит так же, как первый.
	st.EXPECT().InvalidateTokens(gomock.Any(), userID).Return(nil).Times(2)
	require.NoError(t, svc.InvalidateAllTokens(context.Background(), userID))
	require.NoError(t, svc.InvalidateAllTokens(context.Background(), userID))
}

func TestAuthenticateAccess_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")

	at, err := svc.generateAccessToken(context.Background(), user.ID, user.OrganizationID, user.Email, user.TokenVersion, time.Now().UTC())
	require.NoError(t, err)

	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	pub, err := svc.AuthenticateAccess(context.Background(), at)
	require.NoError(t, err)
	require.Equal(t, user.ID, pub.ID)
	require.Equal(t, user.Email, pub.Email)
	require.Equal(t, user.OrganizationID, pub.OrganizationID)
}

func TestAuthenticateAccess_VersionMismatch(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")

	at, err := svc.generateAccessToken(context.Background(), user.ID, user.OrganizationID, user.Email, user.TokenVersion, time.Now().UTC())
	require.NoError(t, err)

	// После выпуска токена версия инкрементирована (logout/ротация/сброс пароля).
	user.TokenVersion++
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	_, err = svc.AuthenticateAccess(context.Background(), at)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateAccess_MissingOrInactiveUser(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")

	at, err := svc.generateAccessToken(context.Background(), user.ID, user.OrganizationID, user.Email, user.TokenVersion, time.Now().UTC())
	require.NoError(t, err)

	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(nil, storage.ErrNotFound)
	_, err = svc.AuthenticateAccess(context.Background(), at)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUserInactive)

	user.IsActive = false
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	_, err = svc.AuthenticateAccess(context.Background(), at)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUserInactive)
}

func TestAuthenticateAccess_GarbageToken(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err := svc.AuthenticateAccess(context.Background(), "not-a-jwt")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRefreshTokenHash(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")

	raw := "presented-refresh-token"
	hash, err := hashToken(raw)
	require.NoError(t, err)
	user.RefreshTokenHash = &hash

	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	ok, err := svc.ValidateRefreshTokenHash(context.Background(), user.ID, raw)
	require.NoError(t, err)
	require.True(t, ok)

	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	ok, err = svc.ValidateRefreshTokenHash(context.Background(), user.ID, "other-token")
	require.NoError(t, err)
	require.False(t, ok)

	// Нет активной сессии — хэш отсутствует.
	user.RefreshTokenHash = nil
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	ok, err = svc.ValidateRefreshTokenHash(context.Background(), user.ID, raw)
	require.NoError(t, err)
	require.False(t, ok)
}
