// Package devapi is a loopback stand-in for the upstream chat API. It
// serves the key-distribution, registration and user-record endpoints so
// the server can run without a real backend.
package devapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/chatguard/identity"
)

const keyBits = 2048

// Accounts creates identity accounts from decrypted registrations.
type Accounts interface {
	AddUser(email, password string) (string, error)
}

// User is a stored user record.
type User struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Server is the development upstream.
type Server struct {
	accounts Accounts
	tokens   identity.TokenVerifier
	logger   *slog.Logger

	// privateKey holds the PKCS#8 DER of the decryption key.
	privateKey *memguard.Enclave
	publicPEM  string

	mu    sync.Mutex
	users map[string]User

	srv *http.Server
}

// New generates a fresh RSA key pair and returns a Server that registers
// accounts with accounts. tokens may be nil, in which case bearer tokens
// are not checked.
func New(accounts Accounts, tokens identity.TokenVerifier, logger *slog.Logger) (*Server, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		accounts:   accounts,
		tokens:     tokens,
		logger:     logger.With("component", "devapi"),
		privateKey: memguard.NewEnclave(der),
		publicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki})),
		users:      make(map[string]User),
	}, nil
}

// PublicKeyPEM returns the PEM encoded public key the server hands out.
func (s *Server) PublicKeyPEM() string { return s.publicPEM }

// Users returns the stored user records.
func (s *Server) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// Handler returns the upstream routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/auth/public-key", s.handlePublicKey)
	r.Post("/auth/register", s.handleRegister)
	r.Post("/user", s.handleUser)
	return r
}

// Start serves Handler on a loopback port and returns its base URL.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening: %w", err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("development upstream stopped", "error", err)
		}
	}()
	url := "http://" + ln.Addr().String()
	s.logger.Info("development upstream listening", "url", url)
	return url, nil
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]string{"publicKey": s.publicPEM},
	})
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	secret, err := s.decrypt(req.Password)
	if err != nil {
		s.logger.Warn("registration with undecryptable password", "error", err)
		writeError(w, http.StatusBadRequest, "Password could not be decrypted.")
		return
	}
	defer secret.Destroy()

	uid, err := s.accounts.AddUser(req.Email, secret.String())
	if err != nil {
		writeError(w, statusFor(err), identity.Message(err))
		return
	}
	s.logger.Info("account registered", "uid", uid)
	writeJSON(w, http.StatusCreated, map[string]any{
		"data": map[string]string{"uid": uid},
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	var u User
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&u); err != nil || u.UID == "" {
		writeError(w, http.StatusBadRequest, "invalid user record")
		return
	}
	s.mu.Lock()
	s.users[u.UID] = u
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]any{"data": u})
}

// authorized accepts requests without a bearer token and rejects ones whose
// token does not verify. The user record is written right after
// registration, before the new account has signed in.
func (s *Server) authorized(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if h == "" || s.tokens == nil {
		return true
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return false
	}
	_, err := s.tokens.VerifyToken(token)
	return err == nil
}

// decrypt opens an RSA-OAEP/SHA-256 ciphertext. The plaintext is returned in
// a locked buffer the caller must destroy.
func (s *Server) decrypt(encoded string) (*memguard.LockedBuffer, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	keyBuf, err := s.privateKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer keyBuf.Destroy()
	parsed, err := x509.ParsePKCS8PrivateKey(keyBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ct, nil)
	if err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(pt), nil
}

func statusFor(err error) int {
	switch {
	case identity.IsKind(err, identity.KindEmailInUse):
		return http.StatusConflict
	case identity.IsKind(err, identity.KindInvalidInput), identity.IsKind(err, identity.KindWeakSecret):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError uses the {"error": {"message": ...}} shape the API client
// understands.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
