package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService is the development backend's identity provider: it checks
// fixture credentials and issues and validates HS256 access tokens.
type AuthService interface {
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	GenerateToken(user *domain.User) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	UserByID(id domain.UserID) (*domain.User, bool)
}

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	Role   domain.Role   `json:"role"`
	jwt.RegisteredClaims
}

// Account is a user together with its bcrypt password hash.
type Account struct {
	User         domain.User
	PasswordHash []byte
}

// NewAccount hashes password for user.
func NewAccount(user domain.User, password string) (Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password for %s: %w", user.Email, err)
	}
	return Account{User: user, PasswordHash: hash}, nil
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	byEmail        map[string]Account
	byID           map[domain.UserID]Account
	now            func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration, accounts []Account) AuthService {
	s := &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		byEmail:        make(map[string]Account, len(accounts)),
		byID:           make(map[domain.UserID]Account, len(accounts)),
		now:            time.Now,
	}
	for _, a := range accounts {
		s.byEmail[utils.NormalizeEmail(a.User.Email)] = a
		s.byID[a.User.ID] = a
	}
	return s
}

func (s *authService) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	account, ok := s.byEmail[utils.NormalizeEmail(email)]
	if !ok {
		return nil, domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	u := account.User
	return &u, nil
}

func (s *authService) GenerateToken(user *domain.User) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: user.ID,
		Role:   user.Role.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if _, known := s.byID[claims.UserID]; !known {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) UserByID(id domain.UserID) (*domain.User, bool) {
	a, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	u := a.User
	return &u, true
}
