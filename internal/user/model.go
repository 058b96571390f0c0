package user

import "errors"

const (
	RoleCustomer = "customer"
	RoleVendor   = "vendor"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
	Role     string `json:"role"`
	ShopName string `json:"shop_name,omitempty"`
}

// DisplayName is the name shown to the other side of a chat.
func (u *User) DisplayName() string {
	if u.Role == RoleVendor && u.ShopName != "" {
		return u.ShopName
	}
	return u.Username
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"omitempty,oneof=customer vendor"`
	ShopName string `json:"shop_name" validate:"required_if=Role vendor,max=100"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
}
