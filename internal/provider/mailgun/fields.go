package mailgun

import (
	"net/url"
	"strings"
)

// Field is one form field of a Mailgun messages request. A field with a
// non-nil File is sent as a multipart file part.
type Field struct {
	Name  string
	Value string
	File  *File
}

// File is an attachment or inline image resolved to bytes and a MIME type.
type File struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Fields is an ordered list of form fields. Order is significant: Mailgun
// reads indexed fields (attachment[0], o:tag[0]) in request order.
type Fields []Field

func (f *Fields) add(name, value string) {
	*f = append(*f, Field{Name: name, Value: value})
}

func (f *Fields) addFile(name string, file File) {
	*f = append(*f, Field{Name: name, File: &file})
}

// Get returns the value of the first field named name.
func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Has reports whether a field named name exists.
func (f Fields) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Files returns the file fields in order.
func (f Fields) Files() []Field {
	var out []Field
	for _, field := range f {
		if field.File != nil {
			out = append(out, field)
		}
	}
	return out
}

// HasFiles reports whether any field carries a file, which forces a
// multipart/form-data body.
func (f Fields) HasFiles() bool {
	for _, field := range f {
		if field.File != nil {
			return true
		}
	}
	return false
}

// Encode renders the non-file fields as application/x-www-form-urlencoded,
// preserving field order.
func (f Fields) Encode() string {
	var b strings.Builder
	for _, field := range f {
		if field.File != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(field.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(field.Value))
	}
	return b.String()
}
