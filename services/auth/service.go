package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/storage"
)

const (
	loginPath   = "/admin/login"
	profilePath = "/admin/profile"

	adminsPath         = "/admin/admins"
	adminsPathAnchored = "/admin/admins/"

	// SaltBytes is the number of bytes used for salts
	saltBytes = 32

	authCacheExpiration = time.Hour
)

// ErrNotAuthorized is returned when a principal has no active admin
// account and is not a configured super admin.
var ErrNotAuthorized = errors.New("not an authorized admin")

type Diagnostic interface {
	Error(msg string, err error, ctx ...keyvalue.T)
	Debug(msg string, ctx ...keyvalue.T)

	GrantedSuperAdmin(email string)
	CreatedAdmin(email, by string)
	UpdatedAdmin(email, by string)
	DeletedAdmin(email, by string)
	WelcomeMailFailed(email string, err error)
}

type Service struct {
	diag   Diagnostic
	routes []httpd.Route

	StorageService interface {
		Store(namespace string) storage.Interface
		Register(name string, store storage.StoreActioner)
	}
	HTTPDService interface {
		AddRoutes([]httpd.Route) error
		DelRoutes([]httpd.Route)
	}
	// Optional, welcome mail is skipped when nil.
	SMTPService interface {
		SendMail(to []string, subject string, body string) error
	}

	// Secret used to sign and verify bearer tokens.
	// Set by the server from the HTTP configuration before Open.
	SharedSecret string

	admins AdminDAO
	creds  CredentialDAO

	accountCache    AccountCache
	cacheExpiration time.Duration

	bcryptCost      int
	tokenExpiration time.Duration
	welcomeEmail    bool

	superAdmins        map[string]bool
	superAdminPassword string

	// Authentication cache.
	// Caches sha256 hashes of passwords for faster authentication
	authCache map[string]authCred
	authMU    sync.RWMutex
}

type authCred struct {
	salt    []byte
	hash    []byte
	expires time.Time
}

func NewService(c Config, d Diagnostic) *Service {
	superAdmins := make(map[string]bool, len(c.SuperAdmins))
	for _, email := range c.SuperAdmins {
		superAdmins[normalizeEmail(email)] = true
	}
	return &Service{
		diag:            d,
		authCache:       make(map[string]authCred),
		cacheExpiration: time.Duration(c.CacheExpiration),
		bcryptCost:      c.BcryptCost,
		tokenExpiration: time.Duration(c.TokenExpiration),
		welcomeEmail:    c.WelcomeEmail,
		superAdmins:     superAdmins,

		superAdminPassword: c.SuperAdminPassword,
	}
}

const adminNamespace = "admin_store"

func (s *Service) Open() error {
	if s.StorageService == nil {
		return errors.New("missing storage service")
	}
	if s.HTTPDService == nil {
		return errors.New("missing httpd service")
	}
	store := s.StorageService.Store(adminNamespace)
	admins, err := newAdminKV(store)
	if err != nil {
		return err
	}
	s.admins = admins
	creds, err := newCredentialKV(store)
	if err != nil {
		return err
	}
	s.creds = creds
	s.accountCache = newMemAccountCache(s.cacheExpiration)
	s.StorageService.Register("admins", admins)

	// Super admins have no stored account, so their credential comes
	// from configuration. Provisioning on every open picks up password
	// rotations.
	if s.superAdminPassword != "" {
		for email := range s.superAdmins {
			if err := s.SetPassword(email, s.superAdminPassword); err != nil {
				return errors.Wrapf(err, "provisioning super admin credential for %q", email)
			}
		}
	}

	// Define API routes
	s.routes = []httpd.Route{
		{
			Method:      "POST",
			Pattern:     loginPath,
			HandlerFunc: s.handleLogin,
		},
		{
			Method:      "GET",
			Pattern:     profilePath,
			HandlerFunc: s.handleProfile,
		},
		{
			Method:      "GET",
			Pattern:     adminsPathAnchored,
			HandlerFunc: s.handleAdmin,
		},
		{
			Method:      "PUT",
			Pattern:     adminsPathAnchored,
			HandlerFunc: s.handleUpdateAdmin,
		},
		{
			Method:      "DELETE",
			Pattern:     adminsPathAnchored,
			HandlerFunc: s.handleDeleteAdmin,
		},
		{
			// Satisfy CORS checks.
			Method:      "OPTIONS",
			Pattern:     adminsPathAnchored,
			HandlerFunc: httpd.ServeOptions,
		},
		{
			Method:      "OPTIONS",
			Pattern:     loginPath,
			HandlerFunc: httpd.ServeOptions,
		},
		{
			Method:      "GET",
			Pattern:     adminsPath,
			HandlerFunc: s.handleListAdmins,
		},
		{
			Method:      "POST",
			Pattern:     adminsPath,
			HandlerFunc: s.handleCreateAdmin,
		},
	}

	return s.HTTPDService.AddRoutes(s.routes)
}

func (s *Service) Close() error {
	if s.HTTPDService != nil {
		s.HTTPDService.DelRoutes(s.routes)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeDistricts(districts []string) []string {
	normalized := districts[:0]
	for _, d := range districts {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	sort.Strings(normalized)
	return normalized
}

func (s *Service) isSuperAdmin(email string) bool {
	return s.superAdmins[normalizeEmail(email)]
}

// Principal resolves the identity for an authenticated email.
// Super admin status is re-derived from the configured allow-list on
// every call, so a config change takes effect on the next request.
func (s *Service) Principal(email string) (auth.Principal, error) {
	p := auth.Principal{
		Email:      normalizeEmail(email),
		SuperAdmin: s.isSuperAdmin(email),
	}
	if p.SuperAdmin {
		s.diag.GrantedSuperAdmin(p.Email)
	}
	return p, nil
}

// AuthorizeAdmin resolves the district scope for a principal.
// Super admins see every district. Other principals must have an
// active admin account, whose assigned districts bound the scope.
func (s *Service) AuthorizeAdmin(p auth.Principal) (auth.Scope, error) {
	if p.SuperAdmin {
		return auth.AllScope, nil
	}
	a, err := s.admin(p.Email)
	if err == ErrNoAdminExists {
		return auth.Scope{}, ErrNotAuthorized
	} else if err != nil {
		return auth.Scope{}, err
	}
	if !a.Active {
		return auth.Scope{}, ErrNotAuthorized
	}
	return auth.Scope{Districts: a.AssignedDistricts}, nil
}

// RequireSuperAdmin returns ErrNotAuthorized unless the principal is a
// configured super admin.
func (s *Service) RequireSuperAdmin(p auth.Principal) error {
	if !p.SuperAdmin {
		return ErrNotAuthorized
	}
	return nil
}

// Authenticate verifies an email and password against the stored
// credential and returns the resolved principal.
func (s *Service) Authenticate(email, password string) (auth.Principal, error) {
	email = normalizeEmail(email)
	cred, err := s.creds.Get(email)
	if err == ErrNoCredentialExists {
		return auth.Principal{}, fmt.Errorf("failed to authenticate user")
	} else if err != nil {
		return auth.Principal{}, err
	}

	// Check for auth cache entry first
	s.authMU.RLock()
	cached, ok := s.authCache[email]
	s.authMU.RUnlock()
	if ok {
		// verify the password using the cached salt and hash
		if cached.expires.After(time.Now()) && bytes.Equal(s.hashWithSalt(cached.salt, password), cached.hash) {
			return s.Principal(email)
		}
		// fall through to requiring a full bcrypt hash for invalid passwords
	}

	// Compare password with stored hash.
	if err := bcrypt.CompareHashAndPassword(cred.Hash, []byte(password)); err != nil {
		return auth.Principal{}, fmt.Errorf("failed to authenticate user")
	}

	// generate a salt and hash of the password for the cache
	if salt, hashed, err := s.saltedHash(password); err == nil {
		s.authMU.Lock()
		s.authCache[email] = authCred{salt: salt, hash: hashed, expires: time.Now().Add(authCacheExpiration)}
		s.authMU.Unlock()
	}
	return s.Principal(email)
}

// Token issues a signed bearer token for the principal.
func (s *Service) Token(p auth.Principal) (string, time.Time, error) {
	if s.SharedSecret == "" {
		return "", time.Time{}, errors.New("cannot issue token: no shared secret configured")
	}
	expiresAt := time.Now().Add(s.tokenExpiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"email": p.Email,
		"exp":   expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte(s.SharedSecret))
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "signing token")
	}
	return signed, expiresAt, nil
}

// SetPassword stores a new bcrypt credential for the email.
func (s *Service) SetPassword(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return errors.Wrap(err, "failed to hash password")
	}
	email = normalizeEmail(email)
	if err := s.creds.Set(Credential{Email: email, Hash: hash}); err != nil {
		return err
	}
	s.authMU.Lock()
	delete(s.authCache, email)
	s.authMU.Unlock()
	return nil
}

// saltedHash returns a salt and salted hash of password
func (s *Service) saltedHash(password string) (salt, hash []byte, err error) {
	salt = make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, err
	}

	return salt, s.hashWithSalt(salt, password), nil
}

// hashWithSalt returns a salted hash of password using salt
func (s *Service) hashWithSalt(salt []byte, password string) []byte {
	hasher := sha256.New()
	hasher.Write(salt)
	hasher.Write([]byte(password))
	return hasher.Sum(nil)
}

func (s *Service) admin(email string) (AdminAccount, error) {
	email = normalizeEmail(email)
	if a, ok := s.accountCache.Get(email); ok {
		return a, nil
	}
	a, err := s.admins.Get(email)
	if err != nil {
		return AdminAccount{}, err
	}
	s.accountCache.Set(a)
	return a, nil
}

// Admin retrieves a single account.
func (s *Service) Admin(email string) (AdminAccount, error) {
	return s.admin(email)
}

// ListAdmins lists accounts matching a glob pattern on email.
// An empty pattern matches all.
func (s *Service) ListAdmins(pattern string) ([]AdminAccount, error) {
	if pattern == "" {
		pattern = "*"
	}
	return s.admins.List(pattern, 0, -1)
}

// Pattern for valid emails.
var validEmail = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// CreateAdmin stores a new account with its login credential.
// Super admin emails are reserved and cannot be created as accounts.
func (s *Service) CreateAdmin(a AdminAccount, password, by string) (AdminAccount, error) {
	a.Email = normalizeEmail(a.Email)
	if !validEmail.MatchString(a.Email) {
		return AdminAccount{}, fmt.Errorf("invalid email %q", a.Email)
	}
	if s.isSuperAdmin(a.Email) {
		return AdminAccount{}, fmt.Errorf("email %q is reserved for a super admin", a.Email)
	}
	if a.Role == "" {
		a.Role = auth.RoleAdmin
	}
	if !a.Role.Valid() || a.Role == auth.RoleSuperAdmin {
		return AdminAccount{}, fmt.Errorf("invalid role %q", a.Role)
	}
	if password == "" {
		return AdminAccount{}, errors.New("must provide a password")
	}
	a.AssignedDistricts = normalizeDistricts(a.AssignedDistricts)
	now := time.Now().UTC()
	a.Created = now
	a.Modified = now
	a.CreatedBy = normalizeEmail(by)

	if err := s.admins.Create(a); err != nil {
		return AdminAccount{}, err
	}
	if err := s.SetPassword(a.Email, password); err != nil {
		return AdminAccount{}, err
	}
	s.diag.CreatedAdmin(a.Email, by)
	s.sendWelcomeMail(a)
	return a, nil
}

// AdminUpdate describes a partial update to an account.
// Nil fields are left unchanged.
type AdminUpdate struct {
	Password          *string   `json:"password"`
	Role              *string   `json:"role"`
	AssignedDistricts *[]string `json:"assignedDistricts"`
	Active            *bool     `json:"active"`
}

// UpdateAdmin applies a partial update to an existing account.
// Super admins exist only in configuration and cannot be updated.
func (s *Service) UpdateAdmin(email string, u AdminUpdate, by string) (AdminAccount, error) {
	email = normalizeEmail(email)
	if s.isSuperAdmin(email) {
		return AdminAccount{}, fmt.Errorf("email %q is reserved for a super admin", email)
	}
	a, err := s.admins.Get(email)
	if err != nil {
		return AdminAccount{}, err
	}
	if u.Role != nil {
		role := auth.Role(*u.Role)
		if !role.Valid() || role == auth.RoleSuperAdmin {
			return AdminAccount{}, fmt.Errorf("invalid role %q", *u.Role)
		}
		a.Role = role
	}
	if u.AssignedDistricts != nil {
		a.AssignedDistricts = normalizeDistricts(*u.AssignedDistricts)
	}
	if u.Active != nil {
		a.Active = *u.Active
	}
	a.Modified = time.Now().UTC()
	if err := s.admins.Replace(a); err != nil {
		return AdminAccount{}, err
	}
	if u.Password != nil {
		if *u.Password == "" {
			return AdminAccount{}, errors.New("must provide a non-empty password")
		}
		if err := s.SetPassword(email, *u.Password); err != nil {
			return AdminAccount{}, err
		}
	}
	s.accountCache.Delete(email)
	s.diag.UpdatedAdmin(email, by)
	return a, nil
}

// DeleteAdmin removes an account and its credential.
// Super admins exist only in configuration and cannot be deleted.
func (s *Service) DeleteAdmin(email, by string) error {
	email = normalizeEmail(email)
	if s.isSuperAdmin(email) {
		return fmt.Errorf("email %q is reserved for a super admin", email)
	}
	// The underlying delete is a no-op for unknown ids, check existence
	// so callers can distinguish a missing account.
	if _, err := s.admins.Get(email); err != nil {
		return err
	}
	if err := s.admins.Delete(email); err != nil {
		return err
	}
	if err := s.creds.Delete(email); err != nil {
		return err
	}
	s.accountCache.Delete(email)
	s.authMU.Lock()
	delete(s.authCache, email)
	s.authMU.Unlock()
	s.diag.DeletedAdmin(email, by)
	return nil
}

func (s *Service) sendWelcomeMail(a AdminAccount) {
	if !s.welcomeEmail || s.SMTPService == nil {
		return
	}
	subject := "Welcome to Siren"
	body := fmt.Sprintf(
		"An administrator account has been created for %s.\r\n\r\nAssigned districts: %s\r\n",
		a.Email,
		strings.Join(a.AssignedDistricts, ", "),
	)
	if err := s.SMTPService.SendMail([]string{a.Email}, subject, body); err != nil {
		// Mail failures never fail account creation.
		s.diag.WelcomeMailFailed(a.Email, err)
	}
}

func (s *Service) emailFromPath(p string) (string, error) {
	if len(p) <= len(adminsPathAnchored) {
		return "", errors.New("must specify email on path")
	}
	return p[len(adminsPathAnchored):], nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token      string    `json:"token"`
	Email      string    `json:"email"`
	SuperAdmin bool      `json:"superAdmin"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		httpd.HttpError(w, "must provide email and password", true, http.StatusBadRequest)
		return
	}
	p, err := s.Authenticate(req.Email, req.Password)
	if err != nil {
		httpd.HttpError(w, "invalid credentials", true, http.StatusUnauthorized)
		return
	}
	// A credential may outlive its account, check authorization too.
	if _, err := s.AuthorizeAdmin(p); err == ErrNotAuthorized {
		httpd.HttpError(w, "account is not active", true, http.StatusForbidden)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	token, expiresAt, err := s.Token(p)
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(loginResponse{
		Token:      token,
		Email:      p.Email,
		SuperAdmin: p.SuperAdmin,
		ExpiresAt:  expiresAt,
	}, true))
}

type profileResponse struct {
	Email             string   `json:"email"`
	Role              string   `json:"role"`
	AllDistricts      bool     `json:"allDistricts"`
	AssignedDistricts []string `json:"assignedDistricts"`
	Active            bool     `json:"active"`
}

func (s *Service) handleProfile(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if p.SuperAdmin {
		w.WriteHeader(http.StatusOK)
		w.Write(httpd.MarshalJSON(profileResponse{
			Email:        p.Email,
			Role:         string(auth.RoleSuperAdmin),
			AllDistricts: true,
			Active:       true,
		}, true))
		return
	}
	a, err := s.admin(p.Email)
	if err == ErrNoAdminExists {
		httpd.HttpError(w, "no admin account", true, http.StatusNotFound)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(profileResponse{
		Email:             a.Email,
		Role:              string(a.Role),
		AssignedDistricts: a.AssignedDistricts,
		Active:            a.Active,
	}, true))
}

type createAdminRequest struct {
	Email             string   `json:"email"`
	Password          string   `json:"password"`
	Role              string   `json:"role"`
	AssignedDistricts []string `json:"assignedDistricts"`
	Active            *bool    `json:"active"`
}

func (s *Service) handleCreateAdmin(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.RequireSuperAdmin(p); err != nil {
		httpd.HttpError(w, "must be a super admin", true, http.StatusForbidden)
		return
	}
	var req createAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	a, err := s.CreateAdmin(AdminAccount{
		Email:             req.Email,
		Role:              auth.Role(req.Role),
		AssignedDistricts: req.AssignedDistricts,
		Active:            active,
	}, req.Password, p.Email)
	if err == ErrAdminExists {
		httpd.HttpError(w, "admin already exists", true, http.StatusConflict)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
	w.Write(httpd.MarshalJSON(a, true))
}

func (s *Service) handleListAdmins(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.RequireSuperAdmin(p); err != nil {
		httpd.HttpError(w, "must be a super admin", true, http.StatusForbidden)
		return
	}
	pattern := r.URL.Query().Get("pattern")
	accounts, err := s.ListAdmins(pattern)
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	type response struct {
		Admins []AdminAccount `json:"admins"`
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(response{Admins: accounts}, true))
}

func (s *Service) handleAdmin(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.RequireSuperAdmin(p); err != nil {
		httpd.HttpError(w, "must be a super admin", true, http.StatusForbidden)
		return
	}
	email, err := s.emailFromPath(r.URL.Path)
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	a, err := s.Admin(email)
	if err == ErrNoAdminExists {
		httpd.HttpError(w, "no admin exists", true, http.StatusNotFound)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(a, true))
}

func (s *Service) handleUpdateAdmin(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.RequireSuperAdmin(p); err != nil {
		httpd.HttpError(w, "must be a super admin", true, http.StatusForbidden)
		return
	}
	email, err := s.emailFromPath(r.URL.Path)
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	var update AdminUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		httpd.HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	a, err := s.UpdateAdmin(email, update, p.Email)
	if err == ErrNoAdminExists {
		httpd.HttpError(w, "no admin exists", true, http.StatusNotFound)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(httpd.MarshalJSON(a, true))
}

func (s *Service) handleDeleteAdmin(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.RequireSuperAdmin(p); err != nil {
		httpd.HttpError(w, "must be a super admin", true, http.StatusForbidden)
		return
	}
	email, err := s.emailFromPath(r.URL.Path)
	if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	err = s.DeleteAdmin(email, p.Email)
	if err == ErrNoAdminExists {
		httpd.HttpError(w, "no admin exists", true, http.StatusNotFound)
		return
	} else if err != nil {
		httpd.HttpError(w, err.Error(), true, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
