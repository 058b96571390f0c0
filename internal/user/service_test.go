package user

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(NewRepository(db), "test-secret", time.Hour), mock
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "username", "password", "role", "shop_name"})
}

func hash(t *testing.T, pw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestRegisterVendorKeepsShopName(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "bakery", sqlmock.AnyArg(), RoleVendor, "Corner Bakery").
		WillReturnResult(sqlmock.NewResult(1, 1))

	u, err := svc.Register(context.Background(), &RegisterRequest{
		Username: "bakery", Password: "password123", Role: RoleVendor, ShopName: "Corner Bakery",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "Corner Bakery", u.DisplayName())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.Password), []byte("password123")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDefaultsToCustomer(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "ann", sqlmock.AnyArg(), RoleCustomer, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	u, err := svc.Register(context.Background(), &RegisterRequest{Username: "ann", Password: "password123", ShopName: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, RoleCustomer, u.Role)
	assert.Equal(t, "ann", u.DisplayName())
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT id, username, password, role").
		WithArgs("bakery").
		WillReturnRows(userRows().AddRow("v1", "bakery", hash(t, "password123"), RoleVendor, "Corner Bakery"))

	res, u, err := svc.Login(context.Background(), &LoginRequest{Username: "bakery", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, "v1", u.ID)
	assert.Equal(t, RoleVendor, res.Role)

	id, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "v1", id.UserID)
	assert.Equal(t, "bakery", id.Username)
	assert.Equal(t, u.DisplayName(), id.Name)
	assert.Equal(t, "Corner Bakery", id.Name)
	assert.Equal(t, RoleVendor, id.Role)
}

func TestLoginRejectsBadPasswordAndUnknownUser(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT id, username, password, role").
		WillReturnRows(userRows().AddRow("c1", "ann", hash(t, "password123"), RoleCustomer, ""))
	_, _, err := svc.Login(context.Background(), &LoginRequest{Username: "ann", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	mock.ExpectQuery("SELECT id, username, password, role").WillReturnRows(userRows())
	_, _, err = svc.Login(context.Background(), &LoginRequest{Username: "nobody", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	svc, mock := newService(t)
	other := NewService(nil, "another-secret", time.Hour)

	mock.ExpectQuery("SELECT id, username, password, role").
		WillReturnRows(userRows().AddRow("c1", "ann", hash(t, "password123"), RoleCustomer, ""))
	res, _, err := svc.Login(context.Background(), &LoginRequest{Username: "ann", Password: "password123"})
	require.NoError(t, err)

	_, err = other.ValidateToken(res.AccessToken)
	assert.Error(t, err)
	_, err = svc.ValidateToken("garbage")
	assert.Error(t, err)
}
