package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/arnavshah/rota-api-go/pkg/database"
)

var (
	ErrMissingSecret = errors.New("JWT_SECRET and API_MASTER_SECRET must be set")
	ErrInvalidToken  = errors.New("invalid token")
	ErrKeyFormat     = errors.New("invalid key format")
	ErrKeySignature  = errors.New("invalid signature")
)

var jwtAlgorithm = jwt.SigningMethodHS256

// Claims represents the JWT claims
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator signs admin sessions and API keys
type Authenticator struct {
	jwtSecret    []byte
	masterSecret []byte

	// Cost is the bcrypt work factor for admin passwords
	Cost     int
	TokenTTL time.Duration
	Now      func() time.Time
}

func New(jwtSecret, masterSecret string) (*Authenticator, error) {
	if jwtSecret == "" || masterSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Authenticator{
		jwtSecret:    []byte(jwtSecret),
		masterSecret: []byte(masterSecret),
		Cost:         14,
		TokenTTL:     24 * time.Hour,
		Now:          time.Now,
	}, nil
}

// HashPassword hashes a password using bcrypt
func (a *Authenticator) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), a.Cost)
	return string(bytes), err
}

// CheckPasswordHash compares a password with its hash
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// CreateToken creates a new JWT token for a user
func (a *Authenticator) CreateToken(username string) (string, error) {
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(a.Now().Add(a.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwtAlgorithm, claims)
	return token.SignedString(a.jwtSecret)
}

// VerifyToken verifies a JWT token
func (a *Authenticator) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwtAlgorithm {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// EnsureAdminExists creates the first admin account when none exists
func (a *Authenticator) EnsureAdminExists(db *gorm.DB, username, password string) (bool, error) {
	var count int64
	if err := db.Model(&database.MasterUser{}).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	hash, err := a.HashPassword(password)
	if err != nil {
		return false, err
	}
	user := database.MasterUser{
		Username:     username,
		PasswordHash: hash,
	}
	if err := db.Create(&user).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (a *Authenticator) sign(name string) string {
	h := hmac.New(sha256.New, a.masterSecret)
	h.Write([]byte(name))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateHMACKey creates a signed API key of the form name.signature
func (a *Authenticator) GenerateHMACKey(name string) string {
	return name + "." + a.sign(name)
}

// VerifyHMACKey validates an HMAC-signed API key and returns its name
func (a *Authenticator) VerifyHMACKey(key string) (string, error) {
	name, signature, ok := strings.Cut(key, ".")
	if !ok || name == "" || strings.Contains(signature, ".") {
		return "", ErrKeyFormat
	}
	// Constant-time comparison
	if !hmac.Equal([]byte(signature), []byte(a.sign(name))) {
		return "", ErrKeySignature
	}
	return name, nil
}

// TouchAPIKey fetches or creates the record for a verified key and stamps
// its last use.
func TouchAPIKey(db *gorm.DB, key, name string) (*database.APIKey, error) {
	var apiKey database.APIKey
	err := db.Where(database.APIKey{Key: key}).FirstOrCreate(&apiKey, database.APIKey{
		Key:        key,
		KeyPreview: Preview(key),
		Name:       name,
		RateLimit:  10000,
	}).Error
	if err != nil {
		return nil, err
	}
	now := time.Now()
	apiKey.LastUsed = &now
	if err := db.Model(&apiKey).Update("last_used", now).Error; err != nil {
		return nil, err
	}
	return &apiKey, nil
}

// Preview shortens a key for display, e.g. "ops...9f3a"
func Preview(key string) string {
	if len(key) > 8 {
		return key[:3] + "..." + key[len(key)-4:]
	}
	return "****"
}
