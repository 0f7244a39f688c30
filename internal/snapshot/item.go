// Package snapshot holds the raw nested listing of a remote tree and the
// timestamp-named artifacts it is persisted as.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used by the pCloud API
const TimeLayout = time.RFC1123Z

// Item is one node of a remote listing: a folder with Contents, or a file
type Item struct {
	Name           string    `json:"name"`
	Path           string    `json:"path,omitempty"`
	ID             ID        `json:"id,omitempty"`
	IsFolder       bool      `json:"isfolder"`
	Created        Timestamp `json:"created"`
	Modified       Timestamp `json:"modified"`
	FolderID       ID        `json:"folderid,omitempty"`
	FileID         ID        `json:"fileid,omitempty"`
	ParentFolderID ID        `json:"parentfolderid,omitempty"`
	Size           int64     `json:"size,omitempty"`
	Hash           ID        `json:"hash,omitempty"`
	ContentType    string    `json:"contenttype,omitempty"`
	Contents       []*Item   `json:"contents,omitempty"`
}

// Tree is a listing root: the absolute path of the listed folder and its
// children.
type Tree struct {
	Path     string
	Contents []*Item
}

// Tree returns the listing rooted at this folder item
func (i *Item) Tree() *Tree {
	p := i.Path
	if p == "" {
		p = "/"
	}
	return &Tree{Path: p, Contents: i.Contents}
}

// Count returns the number of folders and files below the root
func (t *Tree) Count() (folders, files int) {
	stack := append([]*Item(nil), t.Contents...)
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.IsFolder {
			folders++
			stack = append(stack, it.Contents...)
		} else {
			files++
		}
	}
	return folders, files
}

// ID is an opaque identifier that the API may send as a JSON number or a
// string (file ids, folder ids, content hashes).
type ID string

// UnmarshalJSON accepts numbers and strings
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers
func (id ID) MarshalJSON() ([]byte, error) {
	if id != "" && isNumeric(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string {
	return string(id)
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Timestamp is a time in the API's RFC1123 form; the zero value means the
// field was absent.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON parses RFC1123Z, falling back to RFC3339
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
			t.Time = time.Time{}
			return nil
		}
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes the timestamp in the API's format
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(TimeLayout))
}
