// Package stories persists finished stories as one JSON file each.
package stories

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a story file does not exist.
	ErrNotFound = errors.New("story not found")
	// ErrInvalidInput is returned for empty fields or unsafe filenames.
	ErrInvalidInput = errors.New("invalid input")
)

// Message is one turn of the conversation that produced a story.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Story is the on-disk document.
type Story struct {
	Title       string    `json:"title"`
	Timestamp   time.Time `json:"timestamp"`
	ChatHistory []Message `json:"chat_history"`
	Story       string    `json:"story"`
}

// Summary is a listing entry.
type Summary struct {
	Title     string    `json:"title"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	fileExt        = ".json"
	maxTitleLength = 64
)

// Store reads and writes stories under a single directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating stories dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Save writes a new story and returns its filename.
func (s *Store) Save(title string, history []Message, text string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: title must not be empty", ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: story text must not be empty", ErrInvalidInput)
	}
	if history == nil {
		history = []Message{}
	}

	now := s.now().UTC()
	doc := Story{
		Title:       title,
		Timestamp:   now,
		ChatHistory: history,
		Story:       text,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}

	base := SanitizeTitle(title) + "_" + now.Format("20060102_150405")
	filename, err := s.writeNew(base, data)
	if err != nil {
		return "", fmt.Errorf("writing story %s: %w", base, err)
	}
	return filename, nil
}

// Load reads the story stored under filename.
func (s *Store) Load(filename string) (Story, error) {
	if err := validFilename(filename); err != nil {
		return Story{}, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Story{}, ErrNotFound
		}
		return Story{}, fmt.Errorf("reading story %s: %w", filename, err)
	}

	var doc Story
	if err := json.Unmarshal(data, &doc); err != nil {
		return Story{}, fmt.Errorf("parsing story %s: %w", filename, err)
	}
	return doc, nil
}

// List returns every readable story, newest first. Files that fail to parse
// are skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing stories: %w", err)
	}

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		doc, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		title := doc.Title
		if title == "" {
			title = strings.TrimSuffix(e.Name(), fileExt)
		}
		out = append(out, Summary{Title: title, Filename: e.Name(), Timestamp: doc.Timestamp})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Filename < out[j].Filename
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// SanitizeTitle reduces a title to letters, digits, '-' and '_', mapping
// runs of whitespace to a single underscore.
func SanitizeTitle(title string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == ' ' || r == '\t':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
		if b.Len() >= maxTitleLength {
			break
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "story"
	}
	return out
}

func validFilename(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return fmt.Errorf("%w: bad story filename %q", ErrInvalidInput, name)
	}
	return nil
}

// maxNameAttempts bounds the numeric suffixes tried for one base name.
const maxNameAttempts = 100

// writeNew stores data under base+".json", or base_2.json, base_3.json and
// so on when that name is taken. Existing stories are never replaced: the
// content is written to a temp file and hard-linked to a free name, which
// fails instead of overwriting.
func (s *Store) writeNew(base string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, ".story-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	for i := 1; i <= maxNameAttempts; i++ {
		name := base + fileExt
		if i > 1 {
			name = fmt.Sprintf("%s_%d%s", base, i, fileExt)
		}
		err := os.Link(tmp.Name(), filepath.Join(s.dir, name))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free filename for %s", base)
}
