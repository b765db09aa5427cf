package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/msomdec/course-progress/internal/domain"
)

const (
	tokenRoleTeacher = "teacher"
	tokenRoleStudent = "student"
)

// AuthService issues and validates viewer tokens. Tokens are HMAC-signed JWTs
// shared with the LMS: "sub" is the LMS student or teacher id and "role" is
// "student" or "teacher".
type AuthService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(jwtSecret string, tokenTTL time.Duration) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
	}
}

// IssueToken returns a signed token for the viewer.
func (s *AuthService) IssueToken(viewer domain.Viewer) (string, error) {
	if viewer.ID <= 0 {
		return "", fmt.Errorf("%w: viewer id must be positive", domain.ErrInvalidInput)
	}
	role := tokenRoleStudent
	if viewer.Teacher {
		role = tokenRoleTeacher
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  strconv.FormatInt(viewer.ID, 10),
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken parses and validates a token string and returns the viewer
// it identifies.
func (s *AuthService) ValidateToken(tokenString string) (domain.Viewer, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return domain.Viewer{}, domain.ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return domain.Viewer{}, domain.ErrUnauthorized
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return domain.Viewer{}, domain.ErrUnauthorized
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return domain.Viewer{}, domain.ErrUnauthorized
	}

	role, _ := claims["role"].(string)
	switch role {
	case tokenRoleTeacher:
		return domain.Viewer{ID: id, Teacher: true}, nil
	case tokenRoleStudent:
		return domain.Viewer{ID: id}, nil
	default:
		return domain.Viewer{}, domain.ErrUnauthorized
	}
}
