package auth

import (
	"testing"

	jwt "github.com/golang-jwt/jwt"
	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/influxdb/toml"
	"golang.org/x/crypto/bcrypt"

	"github.com/sirenhq/siren/auth"
	"github.com/sirenhq/siren/keyvalue"
	"github.com/sirenhq/siren/services/httpd"
	"github.com/sirenhq/siren/services/storage"
)

type diagnostic struct {
	welcomeFailures int
}

func (d *diagnostic) Error(msg string, err error, ctx ...keyvalue.T) {}
func (d *diagnostic) Debug(msg string, ctx ...keyvalue.T)            {}
func (d *diagnostic) GrantedSuperAdmin(email string)                 {}
func (d *diagnostic) CreatedAdmin(email, by string)                  {}
func (d *diagnostic) UpdatedAdmin(email, by string)                  {}
func (d *diagnostic) DeletedAdmin(email, by string)                  {}
func (d *diagnostic) WelcomeMailFailed(email string, err error)      { d.welcomeFailures++ }

type storageService struct{}

func (storageService) Store(namespace string) storage.Interface {
	return storage.NewMemStore(namespace)
}
func (storageService) Register(name string, store storage.StoreActioner) {}

type httpdService struct{}

func (httpdService) AddRoutes(routes []httpd.Route) error { return nil }
func (httpdService) DelRoutes(routes []httpd.Route)       {}

type mailRecorder struct {
	to      [][]string
	subject []string
}

func (m *mailRecorder) SendMail(to []string, subject string, body string) error {
	m.to = append(m.to, to)
	m.subject = append(m.subject, subject)
	return nil
}

func newTestService(t *testing.T) (*Service, *mailRecorder) {
	t.Helper()
	c := NewConfig()
	c.SuperAdmins = []string{"root@example.com"}
	c.SuperAdminPassword = "root secret"
	// MinCost keeps the bcrypt work factor test-friendly.
	c.BcryptCost = bcrypt.MinCost
	c.CacheExpiration = toml.Duration(DefaultCacheExpiration)
	s := NewService(c, &diagnostic{})
	s.StorageService = storageService{}
	s.HTTPDService = httpdService{}
	s.SharedSecret = "test secret"
	mail := &mailRecorder{}
	s.SMTPService = mail
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mail
}

func TestService_Principal(t *testing.T) {
	s, _ := newTestService(t)

	p, err := s.Principal("Root@Example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !p.SuperAdmin {
		t.Error("expected allow-listed email to be a super admin")
	}
	if exp := "root@example.com"; p.Email != exp {
		t.Errorf("unexpected email: got %q exp %q", p.Email, exp)
	}

	p, err = s.Principal("other@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if p.SuperAdmin {
		t.Error("unexpected super admin grant")
	}
}

func TestService_AuthorizeAdmin(t *testing.T) {
	s, _ := newTestService(t)

	super, _ := s.Principal("root@example.com")
	scope, err := s.AuthorizeAdmin(super)
	if err != nil {
		t.Fatal(err)
	}
	if !scope.AllDistricts {
		t.Error("expected super admin to have all districts")
	}

	if _, err := s.AuthorizeAdmin(auth.Principal{Email: "nobody@example.com"}); err != ErrNotAuthorized {
		t.Errorf("expected ErrNotAuthorized for unknown admin, got %v", err)
	}

	if _, err := s.CreateAdmin(AdminAccount{
		Email:             "scoped@example.com",
		AssignedDistricts: []string{"Udupi ", "MANGALORE"},
		Active:            true,
	}, "hunter2", "root@example.com"); err != nil {
		t.Fatal(err)
	}

	scope, err = s.AuthorizeAdmin(auth.Principal{Email: "scoped@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if scope.AllDistricts {
		t.Error("unexpected all-district scope")
	}
	if exp := []string{"mangalore", "udupi"}; !cmp.Equal(scope.Districts, exp) {
		t.Errorf("unexpected districts:\n%s", cmp.Diff(exp, scope.Districts))
	}
	if !scope.HasDistrict("udupi") || scope.HasDistrict("bangalore") {
		t.Error("unexpected district membership")
	}

	// Deactivated accounts lose access.
	inactive := false
	if _, err := s.UpdateAdmin("scoped@example.com", AdminUpdate{Active: &inactive}, "root@example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AuthorizeAdmin(auth.Principal{Email: "scoped@example.com"}); err != ErrNotAuthorized {
		t.Errorf("expected ErrNotAuthorized for inactive admin, got %v", err)
	}
}

func TestService_Authenticate(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.CreateAdmin(AdminAccount{
		Email:  "admin@example.com",
		Active: true,
	}, "correct horse", "root@example.com"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Authenticate("admin@example.com", "wrong"); err == nil {
		t.Error("expected authentication failure for wrong password")
	}

	p, err := s.Authenticate("admin@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if exp := "admin@example.com"; p.Email != exp {
		t.Errorf("unexpected email: got %q exp %q", p.Email, exp)
	}

	// Second authentication uses the salted hash cache.
	if _, err := s.Authenticate("admin@example.com", "correct horse"); err != nil {
		t.Fatal(err)
	}
	// Cached entries never accept a bad password.
	if _, err := s.Authenticate("admin@example.com", "wrong"); err == nil {
		t.Error("expected cached authentication to reject wrong password")
	}

	if _, err := s.Authenticate("unknown@example.com", "whatever"); err == nil {
		t.Error("expected authentication failure for unknown email")
	}
}

func TestService_CreateAdmin(t *testing.T) {
	s, mail := newTestService(t)

	a, err := s.CreateAdmin(AdminAccount{
		Email:             "Admin@Example.com",
		AssignedDistricts: []string{"udupi"},
		Active:            true,
	}, "hunter2", "root@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if exp := "admin@example.com"; a.Email != exp {
		t.Errorf("expected email to be normalized: got %q exp %q", a.Email, exp)
	}
	if a.Role != auth.RoleAdmin {
		t.Errorf("expected default role, got %q", a.Role)
	}
	if a.CreatedBy != "root@example.com" {
		t.Errorf("unexpected createdBy: got %q", a.CreatedBy)
	}
	if len(mail.to) != 1 || mail.to[0][0] != "admin@example.com" {
		t.Errorf("expected welcome mail to admin@example.com, got %v", mail.to)
	}

	if _, err := s.CreateAdmin(AdminAccount{
		Email:  "admin@example.com",
		Active: true,
	}, "other", "root@example.com"); err != ErrAdminExists {
		t.Errorf("expected ErrAdminExists, got %v", err)
	}

	// The super admin email is reserved.
	if _, err := s.CreateAdmin(AdminAccount{
		Email:  "root@example.com",
		Active: true,
	}, "pw", "root@example.com"); err == nil {
		t.Error("expected error creating account for reserved super admin email")
	}

	if _, err := s.CreateAdmin(AdminAccount{
		Email:  "not-an-email",
		Active: true,
	}, "pw", "root@example.com"); err == nil {
		t.Error("expected error for invalid email")
	}

	if _, err := s.CreateAdmin(AdminAccount{
		Email:  "nopw@example.com",
		Active: true,
	}, "", "root@example.com"); err == nil {
		t.Error("expected error for missing password")
	}
}

func TestService_SuperAdminBootstrap(t *testing.T) {
	s, _ := newTestService(t)

	// The configured password lets a super admin authenticate even
	// though no account was ever created through the API.
	p, err := s.Authenticate("root@example.com", "root secret")
	if err != nil {
		t.Fatal(err)
	}
	if !p.SuperAdmin {
		t.Fatal("expected authenticated super admin principal")
	}
	if _, err := s.Authenticate("root@example.com", "wrong"); err == nil {
		t.Error("expected authentication failure for wrong super admin password")
	}

	scope, err := s.AuthorizeAdmin(p)
	if err != nil {
		t.Fatal(err)
	}
	if !scope.AllDistricts {
		t.Error("expected all-district scope for super admin")
	}

	if _, _, err := s.Token(p); err != nil {
		t.Fatal(err)
	}

	// A freshly bootstrapped super admin can create the first account.
	if _, err := s.CreateAdmin(AdminAccount{
		Email:             "first@example.com",
		AssignedDistricts: []string{"udupi"},
		Active:            true,
	}, "hunter2", p.Email); err != nil {
		t.Fatal(err)
	}
}

func TestService_UpdateAdmin_Reserved(t *testing.T) {
	s, _ := newTestService(t)

	active := false
	_, err := s.UpdateAdmin("root@example.com", AdminUpdate{Active: &active}, "root@example.com")
	if err == nil {
		t.Fatal("expected error updating reserved super admin email")
	}
	if err == ErrNoAdminExists {
		t.Fatal("expected reserved email error, got ErrNoAdminExists")
	}
}

func TestService_DeleteAdmin(t *testing.T) {
	s, _ := newTestService(t)

	if _, err := s.CreateAdmin(AdminAccount{
		Email:  "admin@example.com",
		Active: true,
	}, "hunter2", "root@example.com"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAdmin("admin@example.com", "root@example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Admin("admin@example.com"); err != ErrNoAdminExists {
		t.Errorf("expected ErrNoAdminExists after delete, got %v", err)
	}
	if _, err := s.Authenticate("admin@example.com", "hunter2"); err == nil {
		t.Error("expected credential to be removed with the account")
	}

	// Deleting the reserved super admin email must fail, and the
	// configured credential must survive.
	if err := s.DeleteAdmin("root@example.com", "root@example.com"); err == nil {
		t.Fatal("expected error deleting reserved super admin email")
	}
	if _, err := s.Authenticate("root@example.com", "root secret"); err != nil {
		t.Errorf("expected super admin credential to survive delete attempt, got %v", err)
	}

	// Deleting an account that never existed reports it as missing.
	if err := s.DeleteAdmin("ghost@example.com", "root@example.com"); err != ErrNoAdminExists {
		t.Errorf("expected ErrNoAdminExists for unknown account, got %v", err)
	}
}

func TestService_Token(t *testing.T) {
	s, _ := newTestService(t)

	p, _ := s.Principal("root@example.com")
	signed, expiresAt, err := s.Token(p)
	if err != nil {
		t.Fatal(err)
	}
	if !expiresAt.After(jwt.TimeFunc()) {
		t.Error("expected token expiration in the future")
	}

	token, err := jwt.Parse(signed, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.SharedSecret), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		t.Fatal("expected valid token with map claims")
	}
	if exp := "root@example.com"; claims["email"] != exp {
		t.Errorf("unexpected email claim: got %v exp %q", claims["email"], exp)
	}
}
