package domains

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/mailwizard/delivery-core/internal/domain"
	"github.com/mailwizard/delivery-core/internal/pkg/logger"
)

// Sentinel errors for the domains service layer.
var (
	ErrNotFound      = errors.New("sending domain not found")
	ErrInvalidDomain = errors.New("invalid domain name")
)

// Repository is the persistence the service needs.
type Repository interface {
	Create(ctx context.Context, d *domain.SendingDomain) (string, error)
	GetByName(ctx context.Context, userID, name string) (*domain.SendingDomain, error)
	ListByUser(ctx context.Context, userID string) ([]domain.SendingDomain, error)
	UpdateVerification(ctx context.Context, domainID string, status domain.DomainStatus, records []domain.DNSRecord) error
}

// Resolver is the DNS lookup surface, injectable for tests.
type Resolver interface {
	LookupTXT(ctx context.Context, host string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// RecordTemplates holds the provider-side values users must publish.
type RecordTemplates struct {
	DKIMSelector string // e.g. "mw"
	DKIMValue    string
	SPFValue     string // e.g. "v=spf1 include:mail.provider.com ~all"
	MailCNAME    string // e.g. "mail.provider.com"
}

// Service manages sending-domain registration and DNS verification.
type Service struct {
	repo      Repository
	resolver  Resolver
	templates RecordTemplates
}

// NewService creates a domains service. A nil resolver uses the system
// resolver.
func NewService(repo Repository, resolver Resolver, templates RecordTemplates) *Service {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Service{repo: repo, resolver: resolver, templates: templates}
}

// Register adds a domain for a user and returns it with the DNS records the
// user must publish.
func (s *Service) Register(ctx context.Context, userID, name string) (*domain.SendingDomain, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !validDomainName(name) {
		return nil, ErrInvalidDomain
	}

	d := &domain.SendingDomain{
		UserID:  userID,
		Domain:  name,
		Status:  domain.DomainPending,
		Records: s.expectedRecords(name),
	}
	id, err := s.repo.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	d.ID = id
	return d, nil
}

// List returns a user's domains with record validity.
func (s *Service) List(ctx context.Context, userID string) ([]domain.SendingDomain, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Verify runs a DNS pass over a domain's expected records and stores the
// result. The domain verifies only when every record checks out; a partial
// match stays pending so the user keeps seeing which records are missing.
func (s *Service) Verify(ctx context.Context, userID, name string) (*domain.SendingDomain, error) {
	d, err := s.repo.GetByName(ctx, userID, strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}

	records := s.expectedRecords(d.Domain)
	allValid := true
	for i := range records {
		records[i].Valid = s.checkRecord(ctx, &records[i])
		if !records[i].Valid {
			allValid = false
		}
	}

	status := domain.DomainPending
	if allValid {
		status = domain.DomainVerified
	}

	if err := s.repo.UpdateVerification(ctx, d.ID, status, records); err != nil {
		return nil, err
	}

	logger.Info("sending domain verification pass",
		"domain", d.Domain, "status", string(status))

	d.Status = status
	d.Records = records
	return d, nil
}

func (s *Service) expectedRecords(name string) []domain.DNSRecord {
	return []domain.DNSRecord{
		{
			Type:  "dkim",
			Host:  fmt.Sprintf("%s._domainkey.%s", s.templates.DKIMSelector, name),
			Value: s.templates.DKIMValue,
		},
		{
			Type:  "spf",
			Host:  name,
			Value: s.templates.SPFValue,
		},
		{
			Type:  "mail_cname",
			Host:  "mail." + name,
			Value: s.templates.MailCNAME,
		},
	}
}

func (s *Service) checkRecord(ctx context.Context, rec *domain.DNSRecord) bool {
	switch rec.Type {
	case "dkim", "spf":
		values, err := s.resolver.LookupTXT(ctx, rec.Host)
		if err != nil {
			return false
		}
		for _, v := range values {
			if strings.TrimSpace(v) == rec.Value {
				return true
			}
		}
		return false
	case "mail_cname":
		target, err := s.resolver.LookupCNAME(ctx, rec.Host)
		if err != nil {
			return false
		}
		return strings.TrimSuffix(target, ".") == strings.TrimSuffix(rec.Value, ".")
	default:
		return false
	}
}

func validDomainName(name string) bool {
	if name == "" || len(name) > 253 || !strings.Contains(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
