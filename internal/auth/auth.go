package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/quietwire/server/internal/store"
)

var (
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUsernameTaken      = errors.New("auth: username taken")
)

// Service handles account registration and login. Each new account is
// assigned a short public identifier, distinct from the username, that
// peers use for routing.
type Service struct {
	db       *store.DB
	verifier *Verifier
	log      *zap.Logger
}

func NewService(db *store.DB, verifier *Verifier, log *zap.Logger) *Service {
	return &Service{db: db, verifier: verifier, log: log.Named("auth")}
}

// Register creates an account and returns the issued token along with
// the generated identifier.
func (s *Service) Register(username, password, identityKey string) (string, Identity, error) {
	existing, err := s.db.GetUserByUsername(username)
	if err != nil {
		return "", Identity{}, fmt.Errorf("lookup username: %w", err)
	}
	if existing != nil {
		return "", Identity{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return "", Identity{}, fmt.Errorf("hash password: %w", err)
	}

	identifier, err := s.newIdentifier()
	if err != nil {
		return "", Identity{}, err
	}

	u := &store.User{
		Username:     username,
		PasswordHash: string(hash),
		Identifier:   identifier,
		IdentityKey:  identityKey,
	}
	if err := s.db.CreateUser(u); err != nil {
		return "", Identity{}, fmt.Errorf("create user: %w", err)
	}

	id := Identity{UserID: u.ID, Identifier: u.Identifier, Username: u.Username}
	token, err := s.verifier.Issue(id)
	if err != nil {
		return "", Identity{}, fmt.Errorf("issue token: %w", err)
	}

	s.log.Info("user registered", zap.String("username", username), zap.String("identifier", identifier))
	return token, id, nil
}

// Login checks the password and issues a fresh token.
func (s *Service) Login(username, password string) (string, Identity, error) {
	u, err := s.db.GetUserByUsername(username)
	if err != nil {
		return "", Identity{}, fmt.Errorf("lookup username: %w", err)
	}
	if u == nil {
		return "", Identity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", Identity{}, ErrInvalidCredentials
	}

	id := Identity{UserID: u.ID, Identifier: u.Identifier, Username: u.Username}
	token, err := s.verifier.Issue(id)
	if err != nil {
		return "", Identity{}, fmt.Errorf("issue token: %w", err)
	}
	return token, id, nil
}

// newIdentifier draws 8 uppercase hex characters and retries on the
// unlikely collision.
func (s *Service) newIdentifier() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("random identifier: %w", err)
		}
		id := strings.ToUpper(hex.EncodeToString(buf))
		taken, err := s.db.HasIdentifier(id)
		if err != nil {
			return "", fmt.Errorf("check identifier: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.New("auth: identifier space exhausted")
}
