package email

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Address is a single mailbox: an email address and an optional display name.
type Address struct {
	Email string
	Name  string
}

// String formats the address as "Name <email>", or the bare email when no
// display name is set. Names containing list separators or other RFC 5322
// specials are quoted so the result survives comma-joining.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	name := a.Name
	if strings.ContainsAny(name, `,;:<>()[]@"\`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return fmt.Sprintf("%s <%s>", name, a.Email)
}

// IsZero reports whether the address has no email.
func (a Address) IsZero() bool {
	return a.Email == ""
}

// Domain returns the part of the email after the last "@", or "".
func (a Address) Domain() string {
	i := strings.LastIndex(a.Email, "@")
	if i < 0 {
		return ""
	}
	return a.Email[i+1:]
}

// ParseAddress parses a single "Name <email>" or bare email string.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	parsed, err := mail.ParseAddress(raw)
	if err == nil {
		return Address{Email: parsed.Address, Name: parsed.Name}, nil
	}

	// Bare strings that net/mail rejects but are still syntactically emails.
	if govalidator.IsEmail(raw) {
		return Address{Email: raw}, nil
	}
	return Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
}

// AddressList is an ordered list of addresses, unique by email
// (case-insensitive). The zero value is an empty list ready to use.
type AddressList struct {
	items []Address
	seen  map[string]struct{}
}

// NewAddressList builds a list from the given addresses in order, dropping
// duplicates and entries without an email.
func NewAddressList(addrs ...Address) AddressList {
	var l AddressList
	for _, a := range addrs {
		l.Add(a)
	}
	return l
}

// ParseAddressList splits a comma-separated header value into a list.
// Entries that fail RFC 5322 parsing are kept as bare emails when they look
// like one and dropped otherwise.
func ParseAddressList(raw string) AddressList {
	var l AddressList
	if strings.TrimSpace(raw) == "" {
		return l
	}

	if parsed, err := mail.ParseAddressList(raw); err == nil {
		for _, p := range parsed {
			l.Add(Address{Email: p.Address, Name: p.Name})
		}
		return l
	}

	for _, part := range strings.Split(raw, ",") {
		if addr, err := ParseAddress(part); err == nil {
			l.Add(addr)
		}
	}
	return l
}

// Add appends addr unless an entry with the same email is already present.
// It reports whether the address was added.
func (l *AddressList) Add(addr Address) bool {
	addr.Email = strings.TrimSpace(addr.Email)
	addr.Name = strings.TrimSpace(addr.Name)
	if addr.Email == "" {
		return false
	}

	key := strings.ToLower(addr.Email)
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	l.items = append(l.items, addr)
	return true
}

// Clear removes every address from the list.
func (l *AddressList) Clear() {
	l.items = nil
	l.seen = nil
}

// Len returns the number of addresses.
func (l AddressList) Len() int {
	return len(l.items)
}

// Contains reports whether email is in the list.
func (l AddressList) Contains(email string) bool {
	_, ok := l.seen[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// All returns a copy of the addresses in insertion order.
func (l AddressList) All() []Address {
	out := make([]Address, len(l.items))
	copy(out, l.items)
	return out
}

// Emails returns the bare emails in insertion order.
func (l AddressList) Emails() []string {
	out := make([]string, 0, len(l.items))
	for _, a := range l.items {
		out = append(out, a.Email)
	}
	return out
}

// Strings returns each address formatted with Address.String.
func (l AddressList) Strings() []string {
	out := make([]string, 0, len(l.items))
	for _, a := range l.items {
		out = append(out, a.String())
	}
	return out
}

// Clone returns an independent copy of the list.
func (l AddressList) Clone() AddressList {
	return NewAddressList(l.items...)
}
