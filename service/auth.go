package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/store"
)

func (s *Service) CreateJWT(userId int64, username string) (string, error) {
	claims := jwt.MapClaims{
		"sub":      fmt.Sprint(userId),
		"username": username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (int64, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, "", time.Time{}, err
	}

	if !token.Valid {
		return 0, "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, "", time.Time{}, errors.New("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return 0, "", time.Time{}, errors.New("missing sub claim")
	}
	var userId int64
	if _, err := fmt.Sscanf(sub, "%d", &userId); err != nil {
		return 0, "", time.Time{}, errors.New("malformed sub claim")
	}

	username, ok := claims["username"].(string)
	if !ok {
		return 0, "", time.Time{}, errors.New("missing username claim")
	}

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return 0, "", time.Time{}, errors.New("missing exp claim")
	}
	expiry := time.Unix(int64(expFloat), 0)

	return userId, username, expiry, nil
}

func (s *Service) AuthenticateToken(ctx context.Context, token string) (models.User, error) {
	if len(token) == 0 {
		return models.User{}, errors.New("token not provided")
	}

	userId, _, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.Store.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}

	return user, nil
}

// RegisterUser is the bootstrap path: a username plus an RSA public key
// yields a directory entry and a bearer token.
func (s *Service) RegisterUser(ctx context.Context, username string, publicKey string) (models.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, "", fmt.Errorf("%w: username is empty", ErrValidation)
	}
	if err := crypto.ValidatePublicKey(publicKey); err != nil {
		return models.User{}, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	user, err := s.Store.CreateUser(ctx, models.User{Username: username, PublicKey: publicKey})
	if err != nil {
		return models.User{}, "", fmt.Errorf("create user failed: %w", err)
	}

	token, err := s.CreateJWT(user.Id, user.Username)
	if err != nil {
		return models.User{}, "", fmt.Errorf("token generation failed: %w", err)
	}

	return user, token, nil
}
