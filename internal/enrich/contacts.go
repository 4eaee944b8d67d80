// Package enrich turns a company domain into a contact summary. It is the
// logic run inside the forge-worker subprocess; the dispatcher never imports
// it.
package enrich

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ContactsFile is the name of the contact list inside a worker's data dir.
const ContactsFile = "contacts.csv"

// NoContactsNote marks a domain for which nothing was found.
const NoContactsNote = "No contacts found by the agent"

var contactHeader = []string{"First Name", "Last Name", "Company Name", "LinkedIn URL", "Email"}

// Contact is one person found for a company.
type Contact struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
	LinkedInURL string `json:"linkedin_url"`
	Email       string `json:"email"`
}

func (c Contact) record() []string {
	return []string{c.FirstName, c.LastName, c.CompanyName, c.LinkedInURL, c.Email}
}

// Empty reports whether the contact carries no identifying field.
func (c Contact) Empty() bool {
	return strings.TrimSpace(c.FirstName+c.LastName+c.Email+c.LinkedInURL) == ""
}

// AppendContacts adds contacts to dir/contacts.csv, writing the header when
// the file is new.
func AppendContacts(dir string, contacts []Contact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create contact dir: %w", err)
	}
	path := filepath.Join(dir, ContactsFile)
	_, statErr := os.Stat(path)
	newFile := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", ContactsFile, err)
	}
	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(contactHeader); err != nil {
			f.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, c := range contacts {
		if err := w.Write(c.record()); err != nil {
			f.Close()
			return fmt.Errorf("write contact: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush contacts: %w", err)
	}
	return f.Close()
}

// ReadContacts loads dir/contacts.csv. A missing file yields no contacts.
// Columns are matched by header name so files written by other tools load
// as long as they use the same headers.
func ReadContacts(dir string) ([]Contact, error) {
	f, err := os.Open(filepath.Join(dir, ContactsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ContactsFile, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []Contact
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read contact: %w", err)
		}
		out = append(out, Contact{
			FirstName:   field(rec, "First Name"),
			LastName:    field(rec, "Last Name"),
			CompanyName: field(rec, "Company Name"),
			LinkedInURL: field(rec, "LinkedIn URL"),
			Email:       field(rec, "Email"),
		})
	}
	return out, nil
}

// Summary is the payload reported for one domain: the first contact found
// plus how many more there were.
type Summary struct {
	FirstName               string `json:"First Name,omitempty"`
	LastName                string `json:"Last Name,omitempty"`
	CompanyName             string `json:"Company Name,omitempty"`
	LinkedInURL             string `json:"LinkedIn URL,omitempty"`
	Email                   string `json:"Email,omitempty"`
	CompanyDomain           string `json:"company_domain"`
	AdditionalContactsCount int    `json:"additional_contacts_count,omitempty"`
	EnrichmentNote          string `json:"enrichment_note,omitempty"`
}

// Summarize builds the payload for domain from its contacts.
func Summarize(domain string, contacts []Contact) Summary {
	if len(contacts) == 0 {
		return Summary{CompanyDomain: domain, EnrichmentNote: NoContactsNote}
	}
	first := contacts[0]
	s := Summary{
		FirstName:     first.FirstName,
		LastName:      first.LastName,
		CompanyName:   first.CompanyName,
		LinkedInURL:   first.LinkedInURL,
		Email:         first.Email,
		CompanyDomain: domain,
	}
	if n := len(contacts); n > 1 {
		s.AdditionalContactsCount = n - 1
		s.EnrichmentNote = fmt.Sprintf("Found %d contacts, returning the first one", n)
	}
	return s
}

// Finder looks up contacts for a company domain.
type Finder interface {
	FindContacts(ctx context.Context, domain string) ([]Contact, error)
}

// Run finds contacts for domain, saves them to dir/contacts.csv and
// summarizes what the file holds afterwards. logf receives progress lines.
func Run(ctx context.Context, f Finder, domain, dir string, logf func(format string, args ...any)) (Summary, error) {
	logf("starting enrichment for domain %s", domain)
	found, err := f.FindContacts(ctx, domain)
	if err != nil {
		return Summary{}, fmt.Errorf("find contacts for %s: %w", domain, err)
	}

	var keep []Contact
	for _, c := range found {
		if !c.Empty() {
			keep = append(keep, c)
		}
	}
	if len(keep) > 0 {
		if err := AppendContacts(dir, keep); err != nil {
			return Summary{}, err
		}
	}

	contacts, err := ReadContacts(dir)
	if err != nil {
		return Summary{}, err
	}
	logf("new contacts found: %d", len(contacts))
	for i, c := range contacts {
		logf("contact %d: %s %s - %s", i+1, c.FirstName, c.LastName, c.Email)
	}
	return Summarize(domain, contacts), nil
}
