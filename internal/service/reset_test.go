package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"crm-auth-service/internal/models"
	"crm-auth-service/internal/storage"
	"crm-auth-service/mocks"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// captureMailer запоминает последний отправленный токен.
type captureMailer struct {
	email string
	token string
	err   error
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, rawToken string) error {
	m.email = email
	m.token = rawToken
	return m.err
}

func expectTx(st *mocks.MockStorage) {
	st.EXPECT().WithinTx(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, fn func(context.Context, storage.Storage) error) error {
			return fn(ctx, st)
		})
}

func TestRequestPasswordReset_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	mailer := &captureMailer{}
	svc.SetMailer(mailer)

	user := activeUser(t, "Abcdef1!")

	var saved *models.PasswordResetToken

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().CountRecentResetTokens(gomock.Any(), user.Email, gomock.Any()).Return(0, nil)
	st.EXPECT().SaveResetToken(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, row *models.PasswordResetToken) error {
			saved = row
			return nil
		})

	err := svc.RequestPasswordReset(context.Background(), user.Email, "203.0.113.7", "test-agent")
	require.NoError(t, err)

	require.NotNil(t, saved)
	require.Equal(t, user.ID, saved.UserID)
	require.Equal(t, user.OrganizationID, saved.OrganizationID)
	require.Equal(t, user.Email, saved.Email)
	require.Equal(t, "203.0.113.7", saved.IPAddress)
	require.WithinDuration(t, time.Now().Add(svc.resetCfg.TokenTTL), saved.ExpiresAt, 2*time.Second)

	// В хранилище только хэш; исходный токен ушёл в канал доставки.
	require.Equal(t, user.Email, mailer.email)
	require.NotEmpty(t, mailer.token)
	require.NotEqual(t, mailer.token, saved.TokenHash)
	require.True(t, checkToken(saved.TokenHash, mailer.token))
}

func TestRequestPasswordReset_UnknownOrInvalidEmail_Silent(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Некорректный формат: ни одного обращения к хранилищу.
	require.NoError(t, svc.RequestPasswordReset(context.Background(), "not-an-email", "", ""))

	// Несуществующий email: тот же внешний ответ.
	st.EXPECT().UserByEmail(gomock.Any(), "ghost@example.com").Return(nil, storage.ErrNotFound)
	require.NoError(t, svc.RequestPasswordReset(context.Background(), "ghost@example.com", "", ""))
}

func TestRequestPasswordReset_InactiveAccount_Silent(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")
	user.IsActive = false

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)

	require.NoError(t, svc.RequestPasswordReset(context.Background(), user.Email, "", ""))
}

func TestRequestPasswordReset_RateLimited(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().CountRecentResetTokens(gomock.Any(), user.Email, gomock.Any()).
		Return(svc.resetCfg.MaxPerDay, nil)

	err := svc.RequestPasswordReset(context.Background(), user.Email, "", "")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetRateLimited)
}

func TestRequestPasswordReset_MailerError_NotPropagated(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	svc.SetMailer(&captureMailer{err: errors.New("smtp down")})

	user := activeUser(t, "Abcdef1!")

	st.EXPECT().UserByEmail(gomock.Any(), user.Email).Return(user, nil)
	st.EXPECT().CountRecentResetTokens(gomock.Any(), user.Email, gomock.Any()).Return(0, nil)
	st.EXPECT().SaveResetToken(gomock.Any(), gomock.Any()).Return(nil)

	// Сбой доставки не откатывает созданный токен и не влияет на ответ.
	require.NoError(t, svc.RequestPasswordReset(context.Background(), user.Email, "", ""))
}

// liveRow строит строку reset-токена, как её создал бы RequestPasswordReset.
func liveRow(t *testing.T, user *models.User, raw string) models.PasswordResetToken {
	t.Helper()

	hash, err := hashToken(raw)
	require.NoError(t, err)

	now := time.Now().UTC()
	return models.PasswordResetToken{
		ID:             uuid.New(),
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		TokenHash:      hash,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
	}
}

func TestValidateResetToken_MatchAmongCandidates(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "Abcdef1!")
	other := activeUser(t, "Abcdef1!")
	other.Email = "other@example.com"

	raw := "presented-reset-token"
	rows := []models.PasswordResetToken{
		liveRow(t, other, "some-other-token"),
		liveRow(t, user, raw),
	}

	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).Return(rows, nil)

	email, err := svc.ValidateResetToken(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, user.Email, email)
}

func TestValidateResetToken_NoMatchOrEmpty(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, err := svc.ValidateResetToken(context.Background(), "")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetTokenNotFound)

	user := activeUser(t, "Abcdef1!")
	rows := []models.PasswordResetToken{liveRow(t, user, "stored-token")}

	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).Return(rows, nil)

	_, err = svc.ValidateResetToken(context.Background(), "wrong-token")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetTokenNotFound)
}

func TestResetPassword_OK(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "OldPass1!")
	raw := "valid-reset-token"
	row := liveRow(t, user, raw)

	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).
		Return([]models.PasswordResetToken{row}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	expectTx(st)
	st.EXPECT().UpdatePassword(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, hash string, _ time.Time) error {
			require.True(t, checkPassword(hash, "NewPass1!"))
			return nil
		})
	st.EXPECT().MarkResetTokenUsed(gomock.Any(), row.ID, gomock.Any()).Return(nil)

	err := svc.ResetPassword(context.Background(), raw, "NewPass1!", "NewPass1!")
	require.NoError(t, err)
}

func TestResetPassword_MismatchOrWeakPassword(t *testing.T) {
	t.Parallel()

	svc, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	err := svc.ResetPassword(context.Background(), "tok", "NewPass1!", "Other1!!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPasswordMismatch)

	err = svc.ResetPassword(context.Background(), "tok", "weak", "weak")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrWeakPassword)
}

func TestResetPassword_TokenNotFound(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).
		Return(nil, nil)

	err := svc.ResetPassword(context.Background(), "ghost-token", "NewPass1!", "NewPass1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetTokenNotFound)
}

func TestResetPassword_ConcurrentUse_RollsBack(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "OldPass1!")
	raw := "valid-reset-token"
	row := liveRow(t, user, raw)

	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).
		Return([]models.PasswordResetToken{row}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	expectTx(st)
	st.EXPECT().UpdatePassword(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).Return(nil)
	// Конкурентный сброс сжёг токен первым: строка уже used.
	st.EXPECT().MarkResetTokenUsed(gomock.Any(), row.ID, gomock.Any()).
		Return(storage.ErrNotFound)

	err := svc.ResetPassword(context.Background(), raw, "NewPass1!", "NewPass1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetTokenNotFound)
}

func TestResetPassword_InactiveOrMissingUser(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := activeUser(t, "OldPass1!")
	raw := "valid-reset-token"
	row := liveRow(t, user, raw)

	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).
		Return([]models.PasswordResetToken{row}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(nil, storage.ErrNotFound)

	err := svc.ResetPassword(context.Background(), raw, "NewPass1!", "NewPass1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetTokenNotFound)

	user.IsActive = false
	st.EXPECT().LiveResetTokens(gomock.Any(), gomock.Any()).
		Return([]models.PasswordResetToken{row}, nil)
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)

	err = svc.ResetPassword(context.Background(), raw, "NewPass1!", "NewPass1!")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrResetTokenNotFound)
}

func TestCleanupExpiredResetTokens(t *testing.T) {
	t.Parallel()

	svc, st, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().DeleteStaleResetTokens(gomock.Any(), gomock.Any(), svc.resetCfg.GraceWindow).
		Return(int64(3), nil)

	n, err := svc.CleanupExpiredResetTokens(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}
