package user

const (
	RoleRegular = "regular"
	RoleGhost   = "ghost"

	ghostName = "Ghost User"
)

type User struct {
	ID         int    `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Password   string `json:"-"`
	Role       string `json:"role"`
	ProfilePic string `json:"profilePic"`
}

func (u *User) IsGhost() bool {
	return u.Role == RoleGhost
}

// SignupRequest creates a regular account, or a ghost account when Role is
// "ghost". Ghosts sign up with an email only.
type SignupRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"max=72"`
	Name       string `json:"name"`
	Role       string `json:"role" validate:"omitempty,oneof=regular ghost"`
	ProfilePic string `json:"profilePic"`
}

type SigninRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password"`
	Role     string `json:"role" validate:"omitempty,oneof=regular ghost"`
}

type AuthResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
	User    *User  `json:"user,omitempty"`
}
