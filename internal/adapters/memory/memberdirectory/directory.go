package memberdirectory

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chess-club/federation-api/internal/domain"
	"github.com/chess-club/federation-api/internal/ports/out/memberdirectory"
)

// Directory is an in-memory implementation of memberdirectory.Directory.
// It is safe for concurrent use.
type Directory struct {
	mu sync.RWMutex

	idByEmail map[domain.Email]domain.MemberID
}

func NewDirectory() *Directory {
	return &Directory{
		idByEmail: make(map[domain.Email]domain.MemberID),
	}
}

// Put binds email to id. Rebinding an email to the same id is a no-op.
func (d *Directory) Put(email domain.Email, id domain.MemberID) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("empty email")
	}
	if err := domain.ValidateMemberID(id); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.idByEmail[email]; ok && existing != id {
		return memberdirectory.ErrEmailAlreadyBound
	}
	d.idByEmail[email] = id
	return nil
}

func (d *Directory) Remove(email domain.Email) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.idByEmail, domain.NormalizeEmail(email))
}

func (d *Directory) ResolveMemberID(ctx context.Context, email domain.Email) (domain.MemberID, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.idByEmail[domain.NormalizeEmail(email)]
	if !ok {
		return "", memberdirectory.ErrNotFound
	}
	return id, nil
}

// LoadSeed reads "email=memberId" lines. Blank lines and lines starting with '#' are skipped.
func (d *Directory) LoadSeed(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	n := 0
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		email, id, ok := strings.Cut(raw, "=")
		if !ok {
			return n, fmt.Errorf("seed line %d: expected email=memberId", line)
		}
		if err := d.Put(domain.Email(email), domain.MemberID(strings.TrimSpace(id))); err != nil {
			return n, fmt.Errorf("seed line %d: %w", line, err)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}

// LoadSeedFile is LoadSeed over a file path.
func (d *Directory) LoadSeedFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open member seed file: %w", err)
	}
	defer f.Close()
	return d.LoadSeed(f)
}
