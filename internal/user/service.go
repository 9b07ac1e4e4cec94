package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 6

type Service struct {
	repo      *Repository
	jwtSecret string
	tokenTTL  time.Duration
	validate  *validator.Validate
}

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string, tokenTTL time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  tokenTTL,
		validate:  validator.New(),
	}
}

// Signup creates the account and returns it with a token. Emails are matched
// exactly, so "A@x.io" and "a@x.io" are different users. Ghost accounts get
// no password and a fixed display name.
func (s *Service) Signup(ctx context.Context, req *SignupRequest) (*User, string, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if _, err := s.repo.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, "", ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, "", err
	}

	u := &User{
		Email:      req.Email,
		Name:       req.Name,
		Role:       RoleRegular,
		ProfilePic: req.ProfilePic,
	}
	if req.Role == RoleGhost {
		u.Role, u.Name = RoleGhost, ghostName
	} else {
		if len(req.Password) < minPasswordLen {
			return nil, "", fmt.Errorf("%w: password of at least %d characters required for regular signup", ErrInvalidInput, minPasswordLen)
		}
		hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", err
		}
		u.Password = string(hashedPwd)
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}

	token, err := s.issueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Signin checks the password of a regular account. A ghost signin needs no
// password but only works for ghost accounts.
func (s *Service) Signin(ctx context.Context, req *SigninRequest) (*User, string, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	u, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, "", err
	}

	if req.Role == RoleGhost {
		if !u.IsGhost() {
			return nil, "", ErrNotGhost
		}
	} else {
		if req.Password == "" {
			return nil, "", fmt.Errorf("%w: password required", ErrInvalidInput)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
			return nil, "", ErrInvalidPassword
		}
	}

	token, err := s.issueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Me returns the account behind an authenticated email.
func (s *Service) Me(ctx context.Context, email string) (*User, error) {
	return s.repo.GetUserByEmail(ctx, email)
}

func (s *Service) issueToken(u *User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: u.Email,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "galaxy-chat",
			Subject:   u.Email,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

// ValidateToken returns the email and role carried by a token this service issued.
func (s *Service) ValidateToken(tokenString string) (string, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid || claims.Email == "" {
		return "", "", errors.New("invalid token")
	}

	return claims.Email, claims.Role, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
